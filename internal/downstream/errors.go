package downstream

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("downstream: not found")
	ErrAlreadyExists = errors.New("downstream: already exists")
)

// StatusError is a non-2xx response that was not retried away.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("downstream request failed: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("downstream request failed: status=%d message=%s", e.Status, e.Message)
}
