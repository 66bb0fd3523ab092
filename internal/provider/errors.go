package provider

import "fmt"

// TransportError means the provider endpoint could not be reached or the
// response could not be read (DNS, connection refused, timeout, ...).
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BackendError means the provider answered with a non-success status or an
// explicit error payload. Message is the provider-supplied text when one
// could be decoded.
type BackendError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: backend error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// ResponseShapeError means the provider answered successfully but the body
// did not contain the expected text field.
type ResponseShapeError struct {
	Provider string
	Field    string
	Err      error // decode error, if the body was not valid JSON
}

func (e *ResponseShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unexpected response shape (%s): %v", e.Provider, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: unexpected response shape: missing %s", e.Provider, e.Field)
}

func (e *ResponseShapeError) Unwrap() error { return e.Err }
