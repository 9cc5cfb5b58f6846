package bluetooth

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Match with errors.Is; async failures arrive wrapped in *Error.
var (
	ErrAdapterNotReady = errors.New("adapter not ready")
	ErrNotConnected    = errors.New("not connected")
	ErrConnectFailed   = errors.New("connect failed")
	ErrDiscoveryFailed = errors.New("discovery failed")
	ErrWriteFailed     = errors.New("write failed")
	ErrDecodeFailed    = errors.New("decode failed")
	ErrStepTimeout     = errors.New("step timed out")
	ErrClosed          = errors.New("command channel closed")
)

// Error carries an error kind together with the operation and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind.
func (e *Error) Is(target error) bool { return target == e.Kind }
