package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCancelled  ErrorType = "cancelled"

	// Configuration document errors
	ErrorTypeConfigParse       ErrorType = "config_parse"
	ErrorTypeConfigValidation  ErrorType = "config_validation"
	ErrorTypeConfigUnavailable ErrorType = "config_unavailable"

	// Worker process errors
	ErrorTypeProcessSpawn       ErrorType = "process_spawn"
	ErrorTypeTerminationTimeout ErrorType = "termination_timeout"
	ErrorTypeDuplicateProcess   ErrorType = "duplicate_process"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Configuration errors

func NewConfigParseError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfigParse, message, cause)
}

// NewConfigValidationError names the first missing or mistyped field of a document
func NewConfigValidationError(field string, message string) *DomainError {
	return NewDomainError(ErrorTypeConfigValidation, message, nil).WithContext("field", field)
}

// NewConfigUnavailableError is fatal at startup: no storage tier holds a valid document
func NewConfigUnavailableError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfigUnavailable, message, cause)
}

// Worker process errors

func NewProcessSpawnError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcessSpawn, message, cause)
}

func NewTerminationTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTerminationTimeout, message, cause)
}

func NewDuplicateProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeDuplicateProcess, message, cause)
}

// Error checking helpers

// TypeOf returns the type of the outermost DomainError in the chain, or "" if there is none
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsProcessError(err error) bool {
	return isType(err, ErrorTypeProcess)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

func IsConfigParseError(err error) bool {
	return isType(err, ErrorTypeConfigParse)
}

func IsConfigValidationError(err error) bool {
	return isType(err, ErrorTypeConfigValidation)
}

func IsConfigUnavailableError(err error) bool {
	return isType(err, ErrorTypeConfigUnavailable)
}

func IsProcessSpawnError(err error) bool {
	return isType(err, ErrorTypeProcessSpawn)
}

func IsTerminationTimeoutError(err error) bool {
	return isType(err, ErrorTypeTerminationTimeout)
}

func IsDuplicateProcessError(err error) bool {
	return isType(err, ErrorTypeDuplicateProcess)
}

// FieldOf returns the offending field recorded by NewConfigValidationError
func FieldOf(err error) string {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Context == nil {
		return ""
	}
	field, _ := domainErr.Context["field"].(string)
	return field
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
