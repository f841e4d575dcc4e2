package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a relay failure. The HTTP layer maps each kind to a status.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindRPC               Kind = "rpc"
	KindContractRead      Kind = "contract_read"
	KindContractRevert    Kind = "contract_revert"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindBroadcast         Kind = "broadcast"
	KindAdminOpFailed     Kind = "admin_op_failed"
)

// Error is the single error type returned by this package.
type Error struct {
	Kind   Kind
	Op     string // "quota", "relay", "addUser", ...
	Reason string // revert reason or human-readable cause
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" if err is not a relay error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func newError(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}
