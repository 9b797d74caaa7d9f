package types

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure of a core operation.
type Kind int

const (
	KindInternal Kind = iota
	KindRateLimited
	KindDuplicate
	KindThreadCapacityExceeded
	KindThreadLocked
	KindNotFound
	KindValidationFailed
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindDuplicate:
		return "duplicate"
	case KindThreadCapacityExceeded:
		return "thread_capacity_exceeded"
	case KindThreadLocked:
		return "thread_locked"
	case KindNotFound:
		return "not_found"
	case KindValidationFailed:
		return "validation_failed"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// QuotaKind names the limit a RateLimited error tripped.
type QuotaKind string

const (
	QuotaIP        QuotaKind = "ip"
	QuotaPostsHour QuotaKind = "posts_hour"
	QuotaPostsDay  QuotaKind = "posts_day"
	QuotaBytesDay  QuotaKind = "bytes_day"
)

// Error is the error type returned by the write pipeline and its stages.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	Quota      QuotaKind

	// Existing is the number of the conflicting post for KindDuplicate.
	Existing uint64

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInternal               = &Error{Kind: KindInternal}
	ErrRateLimited            = &Error{Kind: KindRateLimited}
	ErrDuplicate              = &Error{Kind: KindDuplicate}
	ErrThreadCapacityExceeded = &Error{Kind: KindThreadCapacityExceeded}
	ErrThreadLocked           = &Error{Kind: KindThreadLocked}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrValidationFailed       = &Error{Kind: KindValidationFailed}
	ErrConflict               = &Error{Kind: KindConflict}
)

func RateLimited(quota QuotaKind, retryAfter time.Duration) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limited (%s), retry in %s", quota, retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
		Quota:      quota,
	}
}

func Duplicate(existing uint64) *Error {
	return &Error{
		Kind:     KindDuplicate,
		Message:  fmt.Sprintf("this message has already been posted (post #%d)", existing),
		Existing: existing,
	}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidationFailed, Message: fmt.Sprintf(format, args...)}
}

func ThreadLocked(format string, args ...any) *Error {
	return &Error{Kind: KindThreadLocked, Message: fmt.Sprintf(format, args...)}
}

func CapacityExceeded(format string, args ...any) *Error {
	return &Error{Kind: KindThreadCapacityExceeded, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a storage or infrastructure failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
