package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError - получатель просит снизить темп (Retry-After).
// Ретраер использует RetryAfter вместо экспоненциального бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

// PermanentError - отказ, который ретраями не лечится (контрактные 4xx).
// Ретраер прекращает попытки немедленно.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Cause)
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// Permanent помечает ошибку как неустранимую для ретраера.
func Permanent(err error) error {
	return &PermanentError{Cause: err}
}

// IsPermanent сообщает, бессмысленно ли повторять попытку.
func IsPermanent(err error) bool {
	var pErr *PermanentError
	return errors.As(err, &pErr)
}
