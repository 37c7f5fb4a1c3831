package driver

// FailureKind classifies everything that can go wrong while handling one effect.
type FailureKind int

const (
	// FailureStructural is an effect that is not a file read/write shape.
	FailureStructural FailureKind = iota
	// FailureFetch is an upstream error while waiting for the next effect.
	FailureFetch
	// FailureProtocol is a well-shaped effect with invalid content (non-UTF-8 path).
	FailureProtocol
	// FailureRead is a filesystem read error.
	FailureRead
	// FailureMkdir is a parent directory creation error during a write.
	FailureMkdir
	// FailureWrite is a filesystem write error.
	FailureWrite
	// FailureEmit is a downstream error while delivering a poke.
	FailureEmit
	// FailureSource is an upstream stream that cannot be read any further.
	FailureSource
)

func (k FailureKind) String() string {
	switch k {
	case FailureStructural:
		return "structural"
	case FailureFetch:
		return "fetch"
	case FailureProtocol:
		return "protocol"
	case FailureRead:
		return "read"
	case FailureMkdir:
		return "mkdir"
	case FailureWrite:
		return "write"
	case FailureEmit:
		return "emit"
	case FailureSource:
		return "source"
	default:
		return "unknown"
	}
}

// Action is what the loop does about a failure.
type Action int

const (
	// ActionSkip drops the effect silently.
	ActionSkip Action = iota
	// ActionContinue logs the failure and moves to the next effect.
	ActionContinue
	// ActionRespond turns the failure into a negative poke.
	ActionRespond
	// ActionPropagate ends the iteration and hands the error to the supervisor.
	ActionPropagate
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionContinue:
		return "continue"
	case ActionRespond:
		return "respond"
	case ActionPropagate:
		return "propagate"
	default:
		return "unknown"
	}
}

// ActionFor returns the loop's action for a failure kind. The loop never
// crashes: every kind maps to one of the four actions.
func ActionFor(kind FailureKind) Action {
	switch kind {
	case FailureStructural:
		return ActionSkip
	case FailureFetch:
		return ActionContinue
	case FailureRead, FailureMkdir, FailureWrite:
		return ActionRespond
	case FailureProtocol, FailureEmit, FailureSource:
		return ActionPropagate
	default:
		return ActionPropagate
	}
}
