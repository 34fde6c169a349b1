// Package errors provides a structured error system for n5stream with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for n5stream operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors: bad root paths, unopenable readers, invalid files.
	ErrCodeInvalidConfig        ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig        ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation     ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave           ErrorCode = "CONFIG_SAVE"
	ErrCodePathInvalid          ErrorCode = "PATH_INVALID"
	ErrCodeUnsupportedContainer ErrorCode = "UNSUPPORTED_CONTAINER"
	ErrCodeDatasetNotFound      ErrorCode = "DATASET_NOT_FOUND"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage errors: transient I/O against the object store or filesystem.
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"

	// Format errors: bytes were fetched but do not parse.
	ErrCodeFormatInvalid     ErrorCode = "FORMAT_INVALID"
	ErrCodeFormatUnsupported ErrorCode = "FORMAT_UNSUPPORTED"

	// State errors
	ErrCodeReadOnlyChannel    ErrorCode = "READ_ONLY_CHANNEL"
	ErrCodeChannelClosed      ErrorCode = "CHANNEL_CLOSED"
	ErrCodeStreamClosed       ErrorCode = "STREAM_CLOSED"
	ErrCodeQueueClosed        ErrorCode = "QUEUE_CLOSED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Auth errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeCredentialsMissing   ErrorCode = "CREDENTIALS_MISSING"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryFormat        ErrorCategory = "format"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// N5Error represents a structured error with context and metadata.
type N5Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *N5Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *N5Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an N5Error with the same code.
func (e *N5Error) Is(target error) bool {
	if other, ok := target.(*N5Error); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *N5Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("N5Error{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *N5Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for the code.
func NewError(code ErrorCode, message string) *N5Error {
	return &N5Error{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Wrap creates a new error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *N5Error {
	return NewError(code, message).WithCause(cause)
}

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:        CategoryConfiguration,
	ErrCodeMissingConfig:        CategoryConfiguration,
	ErrCodeConfigValidation:     CategoryConfiguration,
	ErrCodeConfigLoad:           CategoryConfiguration,
	ErrCodeConfigSave:           CategoryConfiguration,
	ErrCodePathInvalid:          CategoryConfiguration,
	ErrCodeUnsupportedContainer: CategoryConfiguration,
	ErrCodeDatasetNotFound:      CategoryConfiguration,

	ErrCodeConnectionFailed:  CategoryConnection,
	ErrCodeConnectionTimeout: CategoryConnection,
	ErrCodeNetworkError:      CategoryConnection,

	ErrCodeObjectNotFound: CategoryStorage,
	ErrCodeBucketNotFound: CategoryStorage,
	ErrCodeStorageWrite:   CategoryStorage,
	ErrCodeStorageRead:    CategoryStorage,
	ErrCodeAccessDenied:   CategoryStorage,

	ErrCodeFormatInvalid:     CategoryFormat,
	ErrCodeFormatUnsupported: CategoryFormat,

	ErrCodeReadOnlyChannel:    CategoryState,
	ErrCodeChannelClosed:      CategoryState,
	ErrCodeStreamClosed:       CategoryState,
	ErrCodeQueueClosed:        CategoryState,
	ErrCodeServiceUnavailable: CategoryState,

	ErrCodeOperationTimeout:  CategoryOperation,
	ErrCodeOperationCanceled: CategoryOperation,
	ErrCodeOperationFailed:   CategoryOperation,
	ErrCodeRetryExhausted:    CategoryOperation,

	ErrCodeAuthenticationFailed: CategoryAuth,
	ErrCodeCredentialsMissing:   CategoryAuth,
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeConnectionFailed, ErrCodeNetworkError,
		ErrCodeOperationTimeout, ErrCodeStorageRead, ErrCodeInternalError:
		return true
	}
	return false
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch GetCategory(code) {
	case CategoryConfiguration, CategoryFormat, CategoryAuth:
		return true
	}
	switch code {
	case ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeAccessDenied,
		ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *N5Error) WithContext(key, value string) *N5Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *N5Error) WithDetail(key string, value interface{}) *N5Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *N5Error) WithComponent(component string) *N5Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *N5Error) WithOperation(operation string) *N5Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *N5Error) WithCause(cause error) *N5Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint.
func (e *N5Error) WithRetryable(retryable bool) *N5Error {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *N5Error) WithStack() *N5Error {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *N5Error) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodePathInvalid: "Check the container root path. Remote roots look like " +
			"s3://bucket/prefix or http://bucket.s3.host:port/prefix.",
		ErrCodeUnsupportedContainer: "HDF5 containers need an HDF5 resolver. " +
			"Convert the file to N5 or configure a resolver.",
		ErrCodeDatasetNotFound: "The dataset path has no attributes.json. " +
			"Verify the dataset name relative to the container root.",
		ErrCodeObjectNotFound: "The requested object does not exist in the bucket. " +
			"Verify the object key and bucket name.",
		ErrCodeBucketNotFound: "The bucket does not exist or is not accessible. " +
			"Verify the bucket name, endpoint and credentials.",
		ErrCodeAccessDenied: "Credentials lack the necessary permissions. " +
			"Anonymous access only works for public buckets.",
		ErrCodeFormatInvalid: "The object was fetched but could not be parsed. " +
			"Check that the metadata sidecar is valid JSON.",
		ErrCodeReadOnlyChannel: "The channel was opened read-only. " +
			"Open a writable channel to upload data.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeOperationTimeout: "Operation took too long to complete. " +
			"Consider increasing request_timeout in the storage configuration.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *N5Error) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred."
	}

	messages := map[ErrorCode]string{
		ErrCodePathInvalid:          "Invalid container path",
		ErrCodeUnsupportedContainer: "Unsupported container format",
		ErrCodeDatasetNotFound:      "Dataset not found",
		ErrCodeObjectNotFound:       "Object not found",
		ErrCodeBucketNotFound:       "Storage bucket not found",
		ErrCodeAccessDenied:         "Access denied - check permissions",
		ErrCodeStorageRead:          "Failed to read from storage",
		ErrCodeStorageWrite:         "Failed to write to storage",
		ErrCodeFormatInvalid:        "Metadata could not be parsed",
		ErrCodeInvalidConfig:        "Invalid configuration",
		ErrCodeOperationTimeout:     "Operation timed out",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}

// DetailedDiagnostic returns a comprehensive diagnostic message
func (e *N5Error) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.UserFacingMessage()))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Category: %s", e.Category))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}
	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, v))
		}
	}

	parts = append(parts, "\nRecommendation:")
	parts = append(parts, "  "+e.GetRecommendation())

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
