package models

import "fmt"

// TransportError is a dial or receive failure on the live update stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedEventError rejects a single inbound frame.
type MalformedEventError struct {
	Reason string
	Raw    string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

type EstimateError struct {
	Strategy string
	Err      error
}

func (e *EstimateError) Error() string {
	return fmt.Sprintf("estimate %s: %v", e.Strategy, e.Err)
}

func (e *EstimateError) Unwrap() error { return e.Err }

// ApplyError carries the server-provided message of a failed apply.
type ApplyError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ApplyError) Error() string {
	switch {
	case e.Message != "":
		return "apply failed: " + e.Message
	case e.Err != nil:
		return "apply failed: " + e.Err.Error()
	default:
		return "apply failed"
	}
}

func (e *ApplyError) Unwrap() error { return e.Err }
