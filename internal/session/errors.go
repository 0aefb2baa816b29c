package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotRegistered = errors.New("address is not registered on the transport")
	ErrRateLimited   = errors.New("rate limited by transport")
	// ErrUnavailable means the session is reconnecting; a later send may work.
	ErrUnavailable = errors.New("session unavailable")
	// ErrClosed means the session is gone for good (logged out, or reconnect
	// attempts exhausted).
	ErrClosed = errors.New("session closed")
)

type Kind string

const (
	KindNotRegistered Kind = "not_registered"
	KindRateLimited   Kind = "rate_limited"
	KindOther         Kind = "other"
)

// SendError is a send failure with its classification attached.
type SendError struct {
	Kind Kind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify maps any send error onto the per-recipient taxonomy. Timeouts and
// unavailable sessions are KindOther: they never abort a run.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNotRegistered):
		return KindNotRegistered
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return KindOther
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many") || strings.Contains(msg, "rate-overlimit") {
		return KindRateLimited
	}
	return KindOther
}
