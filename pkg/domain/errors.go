package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies business rule and transaction failures surfaced to callers.
type ErrorCode string

// Error codes. All are rejections of the requested operation; only
// CodeTransactionConflict is safe to retry unchanged.
const (
	CodeNotFound            ErrorCode = "not_found"
	CodeNoActiveVisit       ErrorCode = "no_active_visit"
	CodeInvalidQuantity     ErrorCode = "invalid_quantity"
	CodeNoDeposit           ErrorCode = "no_deposit"
	CodeIncompatibleStorage ErrorCode = "incompatible_storage"
	CodeInsufficientStock   ErrorCode = "insufficient_stock"
	CodeCapacityExceeded    ErrorCode = "capacity_exceeded"
	CodeNegativeStock       ErrorCode = "negative_stock"
	CodeInvalidCapacity     ErrorCode = "invalid_capacity"
	CodeInvalidRange        ErrorCode = "invalid_range"
	CodeInvalidInput        ErrorCode = "invalid_input"
	CodeAidInUse            ErrorCode = "aid_in_use"
	CodeTransactionConflict ErrorCode = "transaction_conflict"
	CodeTransactionTimeout  ErrorCode = "transaction_timeout"
	CodeInternal            ErrorCode = "internal"
)

// Error is the canonical failure type returned by the ledger, catalog and stores.
// Requested and Available carry the attempted amount and the limiting value
// when the failure is arithmetic.
type Error struct {
	Code      ErrorCode
	Op        string
	Entity    EntityType
	EntityID  string
	Message   string
	Requested int
	Available int
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Code))
	}
	if e.Entity != "" && e.EntityID != "" {
		fmt.Fprintf(&b, " [%s %s]", e.Entity, e.EntityID)
	}
	b.WriteString(" (")
	b.WriteString(string(e.Code))
	b.WriteString(")")
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an error with the given code and message.
func NewError(code ErrorCode, entity EntityType, id, message string) *Error {
	return &Error{Code: code, Entity: entity, EntityID: id, Message: strings.TrimSpace(message)}
}

// NotFound reports a missing record.
func NotFound(entity EntityType, id string) *Error {
	return NewError(CodeNotFound, entity, id, fmt.Sprintf("%s %s not found", entity, id))
}

// WrapError annotates an infrastructure failure with a code and operation.
func WrapError(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: err.Error(), Cause: err}
}

// WithOp returns err annotated with op when err is a *Error without one.
func WithOp(op string, err error) error {
	var de *Error
	if errors.As(err, &de) && de.Op == "" {
		cp := *de
		cp.Op = op
		return &cp
	}
	return err
}

// IsCode reports whether err (or a wrapped error) carries code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the error code when available.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	var rv RuleViolationError
	if errors.As(err, &rv) {
		return ruleViolationCode(rv)
	}
	return ""
}

// ruleViolationCode maps a blocked commit to the code of the rule that fired first.
func ruleViolationCode(err RuleViolationError) ErrorCode {
	for _, v := range err.Result.Violations {
		if v.Severity != SeverityBlock {
			continue
		}
		switch v.Rule {
		case RuleDepositCapacity:
			return CodeCapacityExceeded
		case RuleDepositNegativeStock:
			return CodeNegativeStock
		case RuleStorageCompatibility:
			return CodeIncompatibleStorage
		}
	}
	return CodeInternal
}
