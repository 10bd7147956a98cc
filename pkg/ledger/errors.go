package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger store.
var (
	ErrUnknownEnvelope        = errors.New("unknown envelope")
	ErrUnknownTransaction     = errors.New("unknown transaction")
	ErrUnknownTemplate        = errors.New("unknown template")
	ErrInvalidEnvelopeID      = errors.New("invalid envelope id")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidTemplateID      = errors.New("invalid template id")
	ErrInvalidEnvelopeName    = errors.New("invalid envelope name")
	ErrInvalidTemplateName    = errors.New("invalid template name")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidTransfer        = errors.New("invalid transfer")
	ErrInvalidTemplate        = errors.New("invalid template")
	ErrInvalidTheme           = errors.New("invalid theme")
	ErrInvalidSnapshot        = errors.New("invalid snapshot")
	ErrDuplicateID            = errors.New("duplicate id")
	ErrInvalidStoreConfig     = errors.New("invalid store config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
