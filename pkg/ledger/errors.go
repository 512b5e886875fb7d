package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger.
var (
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidMode            = errors.New("invalid mode")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrUnknownRewardEvent     = errors.New("unknown reward event")
	ErrUnknownSpendCost       = errors.New("unknown spend cost")
	ErrLedgerClosed           = errors.New("ledger closed")
	ErrRegistryFull           = errors.New("ledger registry full")
	ErrTaskPanicked           = errors.New("ledger task panicked")
	ErrStateNotFound          = errors.New("ledger state not found")
	ErrStateCorrupt           = errors.New("ledger state corrupt")
)

// Remote mirror failures. None of them are fatal to a local mutation.
var (
	ErrRemoteDisabled        = errors.New("remote ledger disabled")
	ErrRemoteNoTransport     = errors.New("remote ledger transport missing")
	ErrRemoteTransport       = errors.New("remote ledger transport error")
	ErrRemoteUnavailable     = errors.New("remote ledger unavailable")
	ErrRemoteHTTPStatus      = errors.New("remote ledger http status")
	ErrRemoteContentType     = errors.New("remote ledger invalid content type")
	ErrRemoteInvalidResponse = errors.New("remote ledger invalid response")
)

// RemoteStatusError reports a non-2xx answer from the remote ledger.
type RemoteStatusError struct {
	StatusCode int
	Body       string
}

// Error returns the formatted error message.
func (statusError *RemoteStatusError) Error() string {
	if statusError.Body == "" {
		return fmt.Sprintf("%v: %d", ErrRemoteHTTPStatus, statusError.StatusCode)
	}
	return fmt.Sprintf("%v: %d: %s", ErrRemoteHTTPStatus, statusError.StatusCode, statusError.Body)
}

// Unwrap returns ErrRemoteHTTPStatus.
func (statusError *RemoteStatusError) Unwrap() error {
	return ErrRemoteHTTPStatus
}

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
