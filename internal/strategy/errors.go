package strategy

import "errors"

var (
	// ErrNotApplicable means the strategy has nothing configured to restore from.
	ErrNotApplicable = errors.New("strategy not applicable")
	// ErrStrategyFailed means a transfer, restore or rollback failed.
	ErrStrategyFailed = errors.New("strategy failed")
	// ErrSafetyAborted means the safety guard refused a destructive action.
	ErrSafetyAborted = errors.New("safety check refused destructive action")
)
