package domain

import (
	"errors"
	"fmt"
)

// Code is a stable machine-checkable error code surfaced to callers.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeSettlementFailed    Code = "SETTLEMENT_FAILED"
	CodeConfiguration       Code = "CONFIGURATION_ERROR"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error carries a code together with a human-readable message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds a coded error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrSenderNotFound      = &Error{Code: CodeNotFound, Message: "sender not found"}
	ErrRecipientNotFound   = &Error{Code: CodeNotFound, Message: "recipient not found"}
	ErrAccountNotFound     = &Error{Code: CodeNotFound, Message: "account not found"}
	ErrTransactionNotFound = &Error{Code: CodeNotFound, Message: "transaction not found"}
	ErrSelfTransfer        = &Error{Code: CodeConflict, Message: "cannot send to yourself"}
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrNegativeBalance     = &Error{Code: CodeValidation, Message: "operation would make balance negative"}
	ErrInvalidAmount       = &Error{Code: CodeValidation, Message: "amount must be positive"}
	ErrInvalidTransition   = &Error{Code: CodeConflict, Message: "invalid status transition"}

	ErrMissingEncryptionKey = &Error{Code: CodeConfiguration, Message: "encryption key is not set or has wrong size"}
	ErrDecryptionFailed     = &Error{Code: CodeInternal, Message: "ciphertext is malformed or failed authentication"}
)

// CodeOf extracts the stable code from err, defaulting to INTERNAL_ERROR for
// anything that is not a domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
