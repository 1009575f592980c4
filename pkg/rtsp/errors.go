package rtsp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport indicates a connection-level I/O failure on the control channel
	ErrTransport = errors.New("RTSP transport failure")
	// ErrNotConnected indicates the control channel was never established or is closed
	ErrNotConnected = errors.New("RTSP control channel not connected")
	// ErrProtocolMismatch indicates the status line carried an unexpected protocol token
	ErrProtocolMismatch = errors.New("RTSP protocol mismatch")
	// ErrMalformedResponse indicates the response head could not be parsed
	ErrMalformedResponse = errors.New("malformed RTSP response")
	// ErrTruncatedResponse indicates the response head did not fit in a single read
	ErrTruncatedResponse = fmt.Errorf("%w: header block truncated", ErrMalformedResponse)
	// ErrAuthChallenge indicates a missing or non-Digest WWW-Authenticate header
	ErrAuthChallenge = errors.New("invalid authentication challenge")
	// ErrAuthRequired indicates the server demanded credentials that were not supplied
	ErrAuthRequired = errors.New("authentication required")
	// ErrSetupRejected indicates the server refused SETUP
	ErrSetupRejected = errors.New("SETUP rejected")
	// ErrPlayRejected indicates the server refused PLAY
	ErrPlayRejected = errors.New("PLAY rejected")
	// ErrRequestFailed indicates any other non-success status
	ErrRequestFailed = errors.New("RTSP request failed")
	// ErrInvalidState indicates a method was issued in a state that does not allow it
	ErrInvalidState = errors.New("invalid session state")
)

// TransportError wraps an I/O failure on the control connection.
// It is fatal to the Conn that produced it.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrTransport, e.Op, e.Err)
}

// Unwrap lets errors.Is match both ErrTransport and the underlying cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// StatusError represents a non-success RTSP status returned by the server
type StatusError struct {
	Kind       error  // one of ErrAuthRequired, ErrSetupRejected, ErrPlayRejected, ErrRequestFailed
	StatusCode int
	Message    string
	Method     Method // RTSP method that caused the error
	URL        string // URL of the request
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e.Method != "" && e.URL != "" {
		return fmt.Sprintf("%v: RTSP %s %s failed: %d %s", e.Kind, e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%v: RTSP error %d: %s", e.Kind, e.StatusCode, e.Message)
}

// Unwrap returns the error kind so callers can use errors.Is
func (e *StatusError) Unwrap() error {
	return e.Kind
}

// newStatusError builds a StatusError from a response, preferring the server's reason phrase
func newStatusError(kind error, method Method, url string, res *Response) *StatusError {
	msg := res.StatusMessage
	if msg == "" {
		msg = GetErrorMessage(res.StatusCode)
	}
	return &StatusError{
		Kind:       kind,
		StatusCode: res.StatusCode,
		Message:    msg,
		Method:     method,
		URL:        url,
	}
}

// GetErrorMessage returns a human-readable message for an RTSP status code
func GetErrorMessage(statusCode int) string {
	messages := map[int]string{
		// 1xx Informational
		100: "Continue",

		// 2xx Success
		200: "OK",

		// 3xx Redirection
		301: "Moved Permanently",
		302: "Moved Temporarily",
		303: "See Other",
		304: "Not Modified",
		305: "Use Proxy",

		// 4xx Client Error
		400: "Bad Request",
		401: "Unauthorized",
		402: "Payment Required",
		403: "Forbidden",
		404: "Not Found",
		405: "Method Not Allowed",
		406: "Not Acceptable",
		407: "Proxy Authentication Required",
		408: "Request Timeout",
		410: "Gone",
		411: "Length Required",
		412: "Precondition Failed",
		413: "Request Entity Too Large",
		414: "Request-URI Too Long",
		415: "Unsupported Media Type",
		451: "Parameter Not Understood",
		452: "Conference Not Found",
		453: "Not Enough Bandwidth",
		454: "Session Not Found",
		455: "Method Not Valid in This State",
		456: "Header Field Not Valid for Resource",
		457: "Invalid Range",
		458: "Parameter Is Read-Only",
		459: "Aggregate Operation Not Allowed",
		460: "Only Aggregate Operation Allowed",
		461: "Unsupported Transport",
		462: "Destination Unreachable",

		// 5xx Server Error
		500: "Internal Server Error",
		501: "Not Implemented",
		502: "Bad Gateway",
		503: "Service Unavailable",
		504: "Gateway Timeout",
		505: "RTSP Version Not Supported",
		551: "Option Not Supported",
	}

	if msg, ok := messages[statusCode]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown Error %d", statusCode)
}

// IsSuccess checks if a status code is 2xx
func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsAuthRequired reports whether the status asks for credentials
func IsAuthRequired(statusCode int) bool {
	return statusCode == 401 || statusCode == 403
}

// IsRetryableError checks if a status code is worth retrying at the caller level
func IsRetryableError(statusCode int) bool {
	retryable := map[int]bool{
		408: true, // Request Timeout
		500: true, // Internal Server Error
		502: true, // Bad Gateway
		503: true, // Service Unavailable
		504: true, // Gateway Timeout
	}

	return retryable[statusCode]
}

// IsClientError checks if status code is a client error (4xx)
func IsClientError(statusCode int) bool {
	return statusCode >= 400 && statusCode < 500
}

// IsServerError checks if status code is a server error (5xx)
func IsServerError(statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}
