package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrUnknownChannel   = errors.New("unknown channel")
)

// SendError is a classified delivery failure. RetryAfter is set when the
// provider asked the caller to slow down.
type SendError struct {
	Class      Class
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s send error (code %d): %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s send error: %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func Transient(err error, code int) error {
	return &SendError{Class: ClassTransient, Code: code, Err: err}
}

func Permanent(err error, code int) error {
	return &SendError{Class: ClassPermanent, Code: code, Err: err}
}

// RateLimited is a transient error carrying the provider's retry hint.
func RateLimited(err error, retryAfter time.Duration) error {
	return &SendError{Class: ClassTransient, Code: 429, RetryAfter: retryAfter, Err: err}
}

// ClassOf classifies err for retry decisions. Unclassified errors are
// treated as transient so a flaky transport gets its retries.
func ClassOf(err error) Class {
	var sendErr *SendError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sendErr):
		return sendErr.Class
	case errors.Is(err, ErrInvalidRecipient), errors.Is(err, ErrUnknownChannel):
		return ClassPermanent
	case errors.Is(err, context.Canceled):
		return ClassPermanent
	default:
		// Deadlines, network errors and anything unrecognized.
		return ClassTransient
	}
}

// RetryAfterOf returns the provider retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.RetryAfter
	}
	return 0
}
