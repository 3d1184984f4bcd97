// Package errors provides standardized error handling for the message
// routing engine.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeUnknownLevel     ErrorCode = "UNKNOWN_LEVEL"

	ErrCodeDirectoryLookupFailed ErrorCode = "DIRECTORY_LOOKUP_FAILED"

	ErrCodeMessagePersistFailed ErrorCode = "MESSAGE_PERSIST_FAILED"
	ErrCodeDatabaseConnFailed   ErrorCode = "DATABASE_CONNECTION_FAILED"

	ErrCodeQueuePublishFailed     ErrorCode = "QUEUE_PUBLISH_FAILED"
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeNotificationExhausted  ErrorCode = "NOTIFICATION_EXHAUSTED"

	ErrCodeAuditQueryFailed ErrorCode = "AUDIT_QUERY_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewValidationFailedError creates a non-retryable input validation error.
func NewValidationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Message input validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnknownLevelError creates a non-retryable error for an unrecognized
// hierarchy level.
func NewUnknownLevelError(level string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownLevel,
		Message:   "Unrecognized hierarchy level",
		Details:   fmt.Sprintf("level: %s", level),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDirectoryLookupFailedError creates a retryable directory read error.
func NewDirectoryLookupFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDirectoryLookupFailed,
		Message:   "Coordinator directory lookup error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewMessagePersistFailedError creates a retryable persistence error. The
// caller may safely retry with the same idempotency key.
func NewMessagePersistFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeMessagePersistFailed,
		Message:   "Message persistence failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnFailedError creates a retryable database connection error.
func NewDatabaseConnFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueuePublishFailedError creates a retryable queue publish error.
func NewQueuePublishFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueuePublishFailed,
		Message:   "Notification job enqueue failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationSendFailedError creates a retryable notification delivery error.
func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationSendFailed,
		Message:   "Notification delivery failed",
		Details:   fmt.Sprintf("channel: %s, error: %s", channel, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationExhaustedError marks a job that has used its full retry
// budget. Terminal for the job, never for the message.
func NewNotificationExhaustedError(messageID string, attempts int) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationExhausted,
		Message:   "Notification retry budget exhausted",
		Details:   fmt.Sprintf("messageId: %s, attempts: %d", messageID, attempts),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAuditQueryFailedError creates a retryable audit read error.
func NewAuditQueryFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeAuditQueryFailed,
		Message:   "Routing audit query failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Retry Policy
// ==========================

// GetRetryCount returns the recommended retry count per error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDirectoryLookupFailed,
		ErrCodeMessagePersistFailed,
		ErrCodeDatabaseConnFailed,
		ErrCodeQueuePublishFailed:
		return 3 // Retryable technical errors

	case ErrCodeNotificationSendFailed:
		return 5 // Dispatcher budget, consumed with exponential backoff

	default:
		return 0 // Validation / terminal business outcomes: no retry
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "UNKNOWN"):
		return "VALIDATION"
	case strings.Contains(codeStr, "DIRECTORY"):
		return "ROUTING"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "PERSIST"):
		return "DATABASE"
	case strings.Contains(codeStr, "NOTIFICATION") || strings.Contains(codeStr, "QUEUE"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "AUDIT"):
		return "AUDIT"
	default:
		return "OTHER"
	}
}
