package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen = errors.New("circuit_open")
	ErrTimeout     = errors.New("circuit_call_timeout")
)

// OpenError is returned without invoking the wrapped call while a circuit is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryAfter extracts the cool-down hint from an open-circuit error.
func RetryAfter(err error) (time.Duration, bool) {
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr.RetryAfter, true
	}
	return 0, false
}
