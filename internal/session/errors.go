package session

import "fmt"

// FatalError carries the reason a session transitioned to Closing, the
// same shape as sarama.ConsumerError in the example pack (wraps a cause,
// exposes Unwrap so errors.Is/As keep working against the underlying
// coordination or storage error).
type FatalError struct {
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Cause }

// fatal wraps cause with reason as a *FatalError. It returns nil only when
// both reason and cause are empty; a non-empty reason with a nil cause
// still yields a *FatalError.
func fatal(reason string, cause error) error {
	if cause == nil && reason == "" {
		return nil
	}
	return &FatalError{Reason: reason, Cause: cause}
}
