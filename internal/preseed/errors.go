package preseed

import (
	"errors"

	"github.com/holthome/preseed/internal/zfs"
)

var (
	// ErrBackendUnavailable aborts a run before anything destructive happens.
	ErrBackendUnavailable = zfs.ErrBackendUnavailable
	// ErrAllStrategiesExhausted means no configured method restored the data.
	// It is reported, not fatal.
	ErrAllStrategiesExhausted = errors.New("preseed: all restore methods exhausted")
	// ErrRecoveryFailed means not even an empty dataset could be left for the
	// service. It is the only fatal outcome.
	ErrRecoveryFailed = errors.New("preseed: recovery failed")
)
