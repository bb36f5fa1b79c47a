package graph

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/graph-mail-client/pkg/auth"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when a throttled fetch runs out of retry budget.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a fetch.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrParse is returned when a 200 response carries an undecodable body.
	ErrParse = errors.New("malformed response body")

	// ErrStatus matches every *StatusError.
	ErrStatus = errors.New("unexpected status")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse represents malformed success bodies.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassAuth represents failures to obtain a token.
	ErrorClassAuth ErrorClass = "auth"
)

// StatusError is a non-success response from Graph.
type StatusError struct {
	Endpoint   string
	StatusCode int

	// Code and Message come from the Graph error body when present.
	Code    string
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph %s: status %d: %s: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph %s: status %d", e.Endpoint, e.StatusCode)
}

// Is reports whether target is ErrStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// FetchError is the terminal failure of one message fetch.
type FetchError struct {
	ID         string
	StatusCode int
	Class      ErrorClass
	Attempts   int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch message %s: %s error (status %d, attempts %d): %s: %v",
			e.ID, e.Class, e.StatusCode, e.Attempts, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch message %s: %s error (status %d, attempts %d): %s",
		e.ID, e.Class, e.StatusCode, e.Attempts, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a failing HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// classifyError maps a transport-level failure to an error class.
func classifyError(err error) ErrorClass {
	if errors.Is(err, auth.ErrAuth) {
		return ErrorClassAuth
	}
	return ErrorClassNetwork
}
