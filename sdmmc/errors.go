package sdmmc

import "fmt"

// Error is the kind of failure reported by the transport. Operations wrap
// a kind with context, so compare using [errors.Is].
type Error int

const (
	// ErrInitializationFailed means the idle or operating-condition
	// handshake did not succeed within its retry budget. It is fatal:
	// the card is left Faulted and no further I/O is attempted.
	ErrInitializationFailed Error = 1
	// ErrSectorIO means a single sector read or write did not complete
	// within its poll budget or was rejected by the card.
	ErrSectorIO Error = 2
	// ErrPrecondition means the caller violated an operation's contract:
	// out-of-range sector, oversized payload, or a card that is not Ready.
	ErrPrecondition Error = 3
)

func (e Error) Error() string {
	return fmt.Sprintf("sdmmc: %v", e.name())
}

func (e Error) name() string {
	switch e {
	case ErrInitializationFailed:
		return "card initialization failed"
	case ErrSectorIO:
		return "sector i/o failed"
	case ErrPrecondition:
		return "precondition violated"
	default:
		return fmt.Sprintf("unknown error code: %v", int(e))
	}
}
