package engine

import (
	"errors"
	"fmt"
)

// Machine-readable codes for the domain error taxonomy. The request
// layer maps these to 4xx responses; anything else is a 5xx.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeEventNotTradable  = "EVENT_NOT_TRADABLE"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeInvalidOrderType  = "INVALID_ORDER_TYPE"
	CodeWalletNotFound    = "WALLET_NOT_FOUND"
	CodeOrderNotFound     = "ORDER_NOT_FOUND"
	CodeFillOrKill        = "FILL_OR_KILL_FAILED"
	CodePositionLimit     = "POSITION_LIMIT_EXCEEDED"
	CodeInternal          = "MATCHING_INTERNAL_ERROR"
)

// Error is a typed domain failure. Raising one inside the placement
// transaction rolls the whole transaction back; nothing partially
// persists.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Predeclared domain errors.
var (
	ErrEventNotTradable  = &Error{Code: CodeEventNotTradable, Message: "event is not open for trading"}
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds, Message: "available balance below required reservation"}
	ErrInvalidOrderType  = &Error{Code: CodeInvalidOrderType, Message: "market orders must omit a limit price and limit orders must carry one"}
	ErrWalletNotFound    = &Error{Code: CodeWalletNotFound, Message: "wallet not found"}
	ErrOrderNotFound     = &Error{Code: CodeOrderNotFound, Message: "order not found"}
	ErrFillOrKill        = &Error{Code: CodeFillOrKill, Message: "fill-or-kill order could not be fully filled"}
)

// Validation builds a VALIDATION_ERROR for malformed or out-of-range
// input.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected store failure mid-pipeline.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error(), cause: err}
}

// DomainCode extracts the machine-readable code from err, if it carries
// one.
func DomainCode(err error) (string, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}
