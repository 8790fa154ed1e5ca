package domain

import "fmt"

// CompletionState is the outcome of polling an asynchronous operation.
type CompletionState int

const (
	InProgress CompletionState = iota
	Complete
	Failed
)

func (s CompletionState) String() string {
	switch s {
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "in_progress"
	}
}

// Completion is the tagged result of a completion check.
type Completion struct {
	State CompletionState
	// Reason explains an InProgress result.
	Reason string
	// Err is set when State is Failed.
	Err error
}

// Done reports a finished operation.
func Done() Completion {
	return Completion{State: Complete}
}

// Pending reports an operation that should be polled again.
func Pending(format string, args ...any) Completion {
	return Completion{State: InProgress, Reason: fmt.Sprintf(format, args...)}
}

// Failure reports an operation that will never complete.
func Failure(err error) Completion {
	return Completion{State: Failed, Err: err}
}

// AsError converts the result into the error form used at transport
// boundaries: nil, the retry signal, or the failure cause.
func (c Completion) AsError() error {
	switch c.State {
	case Complete:
		return nil
	case Failed:
		return c.Err
	default:
		return &Error{Kind: KindInProgress, Message: ErrTryLater.Message, Err: fmt.Errorf("%s", c.Reason)}
	}
}

func (c Completion) String() string {
	switch c.State {
	case Failed:
		return fmt.Sprintf("failed: %v", c.Err)
	case InProgress:
		return fmt.Sprintf("in_progress: %s", c.Reason)
	default:
		return "complete"
	}
}
