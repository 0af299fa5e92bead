package base

import "fmt"

// MailFetchError wraps any failure raised while a backend was retrieving a
// message. Backend names the backend that failed.
type MailFetchError struct {
	Backend string
	Err     error
}

func NewMailFetchError(backend string, err error) *MailFetchError {
	return &MailFetchError{Backend: backend, Err: err}
}

func (e *MailFetchError) Error() string {
	return fmt.Sprintf("%s: failed to fetch oldest unread email: %v", e.Backend, e.Err)
}

func (e *MailFetchError) Unwrap() error {
	return e.Err
}
