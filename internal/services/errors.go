package services

import (
	"errors"
	"fmt"

	apperrors "github.com/SAP-F-2025/exam-session/internal/errors"
	"github.com/SAP-F-2025/exam-session/internal/repositories"
)

// ===== COMMON SERVICE ERRORS =====

var (
	// Generic errors
	ErrNotFound         = errors.New("resource not found")
	ErrValidationFailed = errors.New("validation failed")
	ErrConflict         = errors.New("resource conflict")

	// Exam loading errors
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrEmptyExam       = errors.New("attempt has no modules with content")
	ErrExamNotLoaded   = errors.New("exam is not loaded")

	// Module lifecycle errors
	ErrModuleNotFound         = errors.New("module not found in attempt")
	ErrNoModuleLoaded         = errors.New("no module is loaded")
	ErrModuleAlreadySubmitted = errors.New("module already submitted")
	ErrSubmissionInProgress   = errors.New("module submission already in progress")
	ErrSessionClosed          = errors.New("session is closed")

	// Answer errors
	ErrUnknownQuestion = errors.New("question does not belong to the loaded module")
	ErrUnknownSection  = errors.New("section does not belong to the loaded module")
)

// ===== CUSTOM ERROR TYPES =====

// Use shared validation errors from errors package
type ValidationError = apperrors.ValidationError
type ValidationErrors = apperrors.ValidationErrors

type BusinessRuleError struct {
	Rule    string                 `json:"rule"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (bre *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation (%s): %s", bre.Rule, bre.Message)
}

// TransientError wraps a remote or local store failure. The operation that
// returned it can be retried.
type TransientError struct {
	Op  string
	Err error
}

func (te *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", te.Op, te.Err)
}

func (te *TransientError) Unwrap() error {
	return te.Err
}

// ===== ERROR HELPERS =====

// NewValidationError creates a new validation error using the shared type
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return apperrors.NewValidationError(field, message, value)
}

func NewBusinessRuleError(rule, message string, context map[string]interface{}) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsNotFound checks if error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrModuleNotFound) ||
		errors.Is(err, repositories.ErrNotFound)
}

// IsValidation checks if error represents a validation failure
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrEmptyExam) ||
		errors.Is(err, ErrUnknownQuestion) ||
		errors.Is(err, ErrUnknownSection) {
		return true
	}
	var ve apperrors.ValidationErrors
	if errors.As(err, &ve) {
		return true
	}
	var single *apperrors.ValidationError
	return errors.As(err, &single)
}

// IsBusinessRule checks if error represents a business rule violation
func IsBusinessRule(err error) bool {
	var bre *BusinessRuleError
	return errors.As(err, &bre)
}

// IsConflict checks if error represents a lifecycle conflict: double submission,
// a submission racing another, or acting on a closed or unloaded session.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrModuleAlreadySubmitted) ||
		errors.Is(err, ErrSubmissionInProgress) ||
		errors.Is(err, ErrNoModuleLoaded) ||
		errors.Is(err, ErrExamNotLoaded) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, repositories.ErrAttemptModuleCompleted) ||
		errors.Is(err, repositories.ErrInvalidTransition)
}

// IsTransient checks if error wraps a retryable I/O failure
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
