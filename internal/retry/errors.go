package retry

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/eargollo/mediaflow/internal/fingerprint"
	"github.com/eargollo/mediaflow/internal/media"
)

// Kind is the retry classification of a failure.
type Kind int

const (
	// Permanent failures (corrupt file, unsupported format, validation) go
	// straight to terminal failed.
	Permanent Kind = iota
	// Transient failures (timeouts, unavailable services, contention) are
	// retried while the budget allows.
	Transient
	// Interrupted means the run itself was cancelled. It is recorded as a
	// retryable failure but never retried inline.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Interrupted:
		return "interrupted"
	default:
		return "permanent"
	}
}

// Sentinel errors external pipelines can wrap to steer classification.
var (
	ErrUnavailable = errors.New("external service unavailable")
	ErrCorrupt     = errors.New("corrupt file")
	ErrUnsupported = errors.New("unsupported format")
	ErrValidation  = errors.New("validation failed")
)

type markedError struct {
	err  error
	kind Kind
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// MarkTransient forces err to classify as transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, kind: Transient}
}

// MarkPermanent forces err to classify as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, kind: Permanent}
}

var transientErrnos = []syscall.Errno{
	syscall.EAGAIN, syscall.EBUSY, syscall.ESTALE, syscall.EIO,
	syscall.ETIMEDOUT, syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENFILE, syscall.EMFILE,
}

// Classify maps err to a Kind. runCtx is the run-level context: a context
// error only counts as an interruption when the run itself was cancelled,
// not when a pipeline timed out or returned context.Canceled on its own.
func Classify(runCtx context.Context, err error) Kind {
	if err == nil {
		return Permanent
	}
	if runCtx != nil && runCtx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return Interrupted
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, fingerprint.ErrUnreadable):
		return Transient
	case errors.Is(err, ErrCorrupt),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrValidation),
		errors.Is(err, media.ErrUndecodable),
		errors.Is(err, fingerprint.ErrNotRegular):
		return Permanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		for _, e := range transientErrnos {
			if errno == e {
				return Transient
			}
		}
	}
	return Permanent
}
