package multisettle

import (
	"errors"
	"fmt"
)

// Error is a settlement-engine error with a closed machine-readable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes surfaced to callers.
const (
	CodeValidation         = "validation_error"
	CodeSignatureInvalid   = "signature_invalid"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeAlreadyTerminal    = "already_terminal"
	CodeCapExceeded        = "cap_exceeded"
	CodeUnsupportedNetwork = "unsupported_network"
	CodeChainError         = "chain_error"
	CodeInternal           = "internal_error"
)

// NewError creates an Error with a formatted message.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, defaulting to internal_error for
// infrastructure failures that were not classified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Store sentinels. Reserve and the read operations return these so the
// orchestrator can report the precise denial reason without re-reading.
var (
	ErrNotFound             = errors.New("authorization not found")
	ErrNonceExists          = errors.New("authorization nonce already exists")
	ErrAuthorizationExpired = errors.New("authorization expired")
	ErrNotActive            = errors.New("authorization is not active")
	ErrCapExceeded          = errors.New("amount exceeds remaining authorization balance")
	ErrSettlementNotFound   = errors.New("settlement record not found")
	ErrSettlementFinalized  = errors.New("settlement record already finalized")
)
