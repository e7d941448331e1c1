package transport

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Protocol error taxonomy. Every failure except ErrSendRejected ends the
// current session; none of them ends the process.
var (
	ErrConnectFailure      = errors.New("connect failed")
	ErrDiscoveryFailure    = errors.New("discovery failed")
	ErrSubscriptionFailure = errors.New("subscription failed")
	ErrTransferInterrupted = errors.New("transfer interrupted")

	// ErrSendRejected is flow-control feedback, not a failure.
	ErrSendRejected = errors.New("send rejected")

	ErrNotConnected = errors.New("not connected")
	ErrUnknownPeer  = errors.New("unknown endpoint")
)

// Wrap tags cause with a protocol error kind. A nil cause yields kind itself.
func Wrap(kind error, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Wrapf(kind, format, args...)
	}
	return errors.Wrapf(&tagged{kind: kind, cause: cause}, format, args...)
}

type tagged struct {
	kind  error
	cause error
}

func (t *tagged) Error() string { return t.kind.Error() + ": " + t.cause.Error() }

func (t *tagged) Is(target error) bool { return target == t.kind }

func (t *tagged) Unwrap() error { return t.cause }

// Reason maps err onto a short label suitable for metrics
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case stderrors.Is(err, ErrConnectFailure):
		return "connect"
	case stderrors.Is(err, ErrDiscoveryFailure):
		return "discovery"
	case stderrors.Is(err, ErrSubscriptionFailure):
		return "subscription"
	case stderrors.Is(err, ErrTransferInterrupted):
		return "interrupted"
	case stderrors.Is(err, ErrSendRejected):
		return "rejected"
	default:
		return "other"
	}
}
