package preseed

// State is a step of a run.
type State int

const (
	Init State = iota
	CheckPresence
	Skip
	AttemptSequence
	Success
	AllFailed
	Recover
	Done
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case CheckPresence:
		return "check_presence"
	case Skip:
		return "skip"
	case AttemptSequence:
		return "attempt_sequence"
	case Success:
		return "success"
	case AllFailed:
		return "all_failed"
	case Recover:
		return "recover"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Kind is how a run ended.
type Kind string

const (
	Restored       Kind = "restored"
	Skipped        Kind = "skipped"
	Exhausted      Kind = "all_failed"
	RecoveryFailed Kind = "recovery_failed"
	Aborted        Kind = "aborted"
)
