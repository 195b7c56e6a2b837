package client

import (
	"fmt"
)

// TransportError is a failed HTTP exchange: a connection failure (Status 0)
// or a non-200 response carrying the raw body.
type TransportError struct {
	Method string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a 200 response whose body is not a valid envelope
type DecodeError struct {
	URL  string
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: invalid response body: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DomainError is a well formed envelope with success=false
type DomainError struct {
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}
