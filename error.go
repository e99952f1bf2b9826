package treelock

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a coordinator failure.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// LockUnavailable means another holder owns the lock. Retryable.
	LockUnavailable
	// LockExpired means the lock TTL elapsed and the store released it. Retryable.
	LockExpired
	// CorruptedResource means the node carries lock residue and needs operator action.
	CorruptedResource
	// NonActiveTransaction means the transaction was aborted out-of-band (e.g. by the reaper).
	NonActiveTransaction
	// ExhaustedRetries is terminal; UserData carries a RetryExhaustion.
	ExhaustedRetries
	// TransportFailure is a cluster member communication failure. Retryable.
	TransportFailure
	NodeNotFound
	ItemExists
	InvalidState
	InvalidConfiguration
	// RollbackFailure means rolling back after a failed unit of work failed too.
	RollbackFailure
)

var codeNames = map[ErrorCode]string{
	Unknown:              "Unknown",
	LockUnavailable:      "LockUnavailable",
	LockExpired:          "LockExpired",
	CorruptedResource:    "CorruptedResource",
	NonActiveTransaction: "NonActiveTransaction",
	ExhaustedRetries:     "ExhaustedRetries",
	TransportFailure:     "TransportFailure",
	NodeNotFound:         "NodeNotFound",
	ItemExists:           "ItemExists",
	InvalidState:         "InvalidState",
	InvalidConfiguration: "InvalidConfiguration",
	RollbackFailure:      "RollbackFailure",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the error type every coordinator and store operation returns.
// UserData should hold comparable values only (strings, numbers, plain structs).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData == nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v, user data: %v", e.Code, e.Err, e.UserData)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is matches on code alone so the sentinels below work with errors.Is.
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrLockUnavailable      = Error{Code: LockUnavailable}
	ErrLockExpired          = Error{Code: LockExpired}
	ErrCorruptedResource    = Error{Code: CorruptedResource}
	ErrNonActiveTransaction = Error{Code: NonActiveTransaction}
	ErrExhaustedRetries     = Error{Code: ExhaustedRetries}
	ErrTransportFailure     = Error{Code: TransportFailure}
	ErrNodeNotFound         = Error{Code: NodeNotFound}
	ErrItemExists           = Error{Code: ItemExists}
	ErrInvalidState         = Error{Code: InvalidState}
	ErrInvalidConfiguration = Error{Code: InvalidConfiguration}
	ErrRollbackFailure      = Error{Code: RollbackFailure}
)

// NewError builds an Error with a formatted cause.
func NewError(code ErrorCode, userData any, format string, args ...any) error {
	return Error{
		Code:     code,
		Err:      fmt.Errorf(format, args...),
		UserData: userData,
	}
}

// CodeOf returns the code of the first Error in err's chain, or Unknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsRetryable reports whether redoing the whole lock/transaction sequence may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch CodeOf(err) {
	case LockUnavailable, LockExpired, TransportFailure, NonActiveTransaction:
		return true
	}
	return false
}

// Normalize maps foreign errors into the taxonomy. Context errors pass through unchanged
// so callers can still match them with errors.Is.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var e Error
	if errors.As(err, &e) {
		return err
	}
	return Error{Code: Unknown, Err: err}
}
