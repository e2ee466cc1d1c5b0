package xfer

import "github.com/pkg/errors"

// Kind classifies a transfer failure so the scheduler can decide whether to
// retry, back off, or abort. These are the only kinds the engine produces;
// do not add new ones without updating the disposition table in
// Slot.serviceFailure.
type Kind int

const (
	// EAGAIN is a transient HTTP/network failure. The slot backs off and
	// retries; it counts toward errorcount.
	EAGAIN Kind = iota

	// EKEY is a MAC verification failure surviving legacy-gap recovery. It
	// is fatal and clears chunkmacs so a restart re-downloads everything.
	EKEY

	// EOVERQUOTA is an HTTP 509. The transfer is paused for timeleft (or a
	// client default) and resumed automatically.
	EOVERQUOTA

	// EREAD is a filesystem read failure during an upload.
	EREAD

	// EWRITE is a filesystem write failure during a download.
	EWRITE

	// EINTERNAL covers invariant violations: a missing upload token, a
	// buffer in an impossible state. Always fatal.
	EINTERNAL

	// EFAILED is any other server-reported error.
	EFAILED
)

func (k Kind) String() string {
	switch k {
	case EAGAIN:
		return "EAGAIN"
	case EKEY:
		return "EKEY"
	case EOVERQUOTA:
		return "EOVERQUOTA"
	case EREAD:
		return "EREAD"
	case EWRITE:
		return "EWRITE"
	case EINTERNAL:
		return "EINTERNAL"
	case EFAILED:
		return "EFAILED"
	default:
		return "EUNKNOWN"
	}
}

// TransferError wraps a Kind with its underlying cause so callers can both
// switch on the kind and print the full chain with %+v.
type TransferError struct {
	Kind  Kind
	cause error
}

func (e *TransferError) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *TransferError) Unwrap() error { return e.cause }

// Fail builds a *TransferError of the given kind, wrapping msg/args in the
// same errors.Errorf style used throughout this module.
func Fail(kind Kind, msg string, args ...interface{}) *TransferError {
	return &TransferError{Kind: kind, cause: errors.Errorf(msg, args...)}
}

// KindOf returns the Kind carried by err, or EFAILED if err was not produced
// by Fail.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return EFAILED
}
