package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers transport failures, timeouts and non-2xx replies.
	ErrNetwork = errors.New("client: network failure")
	// ErrProtocol means the service answered with something that does not
	// match the expected response shape.
	ErrProtocol = errors.New("client: protocol error")
)

// StatusError is a non-2xx reply. It matches ErrNetwork with errors.Is.
type StatusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Detail)
}

func (e *StatusError) Unwrap() error { return ErrNetwork }
