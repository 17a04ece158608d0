package errors

import (
	"errors"
	"fmt"
)

type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Unwrap() error { return e.error }

// ExitCodeOf returns the exit code carried by err, GenericFailureExitCode for
// any other non-nil error and 0 for nil.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	var ece *ExitCodeError
	if errors.As(err, &ece) {
		return ece.GetExitCode()
	}
	return GenericFailureExitCode
}

// TransportError is a failure to reach a remote endpoint: connect, session,
// file transfer or a non-2xx http response.
type TransportError struct {
	Op         string
	Target     string
	StatusCode int
	Err        error
}

func NewTransportError(op, target string, err error) *TransportError {
	return &TransportError{Op: op, Target: target, Err: err}
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s %s: status %d: %v", e.Op, e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a response that reached us but could not be parsed.
type DecodeError struct {
	What string
	Err  error
}

func NewDecodeError(what string, err error) *DecodeError {
	return &DecodeError{What: what, Err: err}
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.What, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// ProtocolError is an observation the state machine cannot account for, such
// as a status string outside the known tables.
type ProtocolError struct {
	Source string
	Detail string
}

func NewProtocolError(source, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Source: source, Detail: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol (%s): %s", e.Source, e.Detail) }

// IllegalTransitionError is the ProtocolError raised when an observed state is
// not reachable from the current one on the job's lifecycle.
type IllegalTransitionError struct {
	Lifecycle string
	From      string
	To        string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s on %s lifecycle", e.From, e.To, e.Lifecycle)
}

// IntegrityError marks results that could not be retrieved, verified or
// extracted.
type IntegrityError struct {
	JobID int
	Stage string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("results of job %d failed at %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// AggregationError summarizes every item that failed in one aggregation pass.
// Err is the multierr combination of the item errors.
type AggregationError struct {
	Failed int
	Total  int
	Err    error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation: %d of %d items failed: %v", e.Failed, e.Total, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsProtocol reports whether err is a ProtocolError or an IllegalTransitionError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	var ie *IllegalTransitionError
	return errors.As(err, &pe) || errors.As(err, &ie)
}

func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
