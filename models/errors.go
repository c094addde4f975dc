package models

import (
	"fmt"
	"strings"
)

// Error codes used for internal classification, logs and metrics. They are
// never part of the caller-facing body, which only carries a message.
const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeAdmissionDenied = "ADMISSION_DENIED"
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeNotAcceptable   = "NOT_ACCEPTABLE"
	ErrCodeDispatchFailed  = "DISPATCH_FAILED"
	ErrCodeEncodingFailed  = "ENCODING_FAILED"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Caller-facing messages that must stay stable.
const (
	MsgAuthMissing   = "Authorization header is missing"
	MsgAuthFormat    = "Invalid authorization header format"
	MsgAuthInvalid   = "Invalid API key"
	MsgBadBody       = "Request body must be a JSON object"
	MsgNoURL         = "No URL provided"
	MsgUnsafeURL     = "URL was judged to be unsafe"
	MsgGenericFailed = "This is a generic error message; sorry about that."
	MsgRateLimited   = "Rate limit exceeded, please slow down"
)

// ErrorResponse is the JSON body of every non-200 response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ScrapeError is the internal error type carrying an error code and a
// caller-safe message. Err holds the internal cause, which is logged and
// never sent to the caller.
type ScrapeError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// ToResponse converts an internal error to the caller-facing body.
func (e *ScrapeError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Message}
}

// ValidationError reports a single out-of-range or malformed parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotAcceptableError reports an Accept value outside the supported table.
type NotAcceptableError struct {
	Accept    string
	Supported []string
}

func (e *NotAcceptableError) Error() string {
	return fmt.Sprintf(
		"Unsupported image format in Accept header (%s). Supported Accept header values are: %s",
		e.Accept, strings.Join(e.Supported, ", "),
	)
}
