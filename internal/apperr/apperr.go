// Package apperr defines the application-level error taxonomy shared by the
// supervisor, multiplexer, relay and permission bridge, and maps each code
// onto a standard RPC status class carried alongside it on the wire.
package apperr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code is an application error code from the taxonomy in spec §7.
type Code string

const (
	SessionNotFound         Code = "SessionNotFound"
	SessionClosed           Code = "SessionClosed"
	SessionActive           Code = "SessionActive"
	WorktreeInUse           Code = "WorktreeInUse"
	MachineOffline          Code = "MachineOffline"
	NoInputLock             Code = "NoInputLock"
	PermissionTimeout       Code = "PermissionTimeout"
	InvalidPermissionConfig Code = "InvalidPermissionConfig"
	PoolExhausted           Code = "PoolExhausted"
	TunnelDisconnected      Code = "TunnelDisconnected"
	BufferFull              Code = "BufferFull"
	RateLimited             Code = "RateLimited"
	SubprocessCrashed       Code = "SubprocessCrashed"
	VersionIncompatible     Code = "VersionIncompatible"
	TunnelSuperseded        Code = "TunnelSuperseded"
	AgentSpawn              Code = "AgentSpawn"
	ProtocolNoise           Code = "ProtocolNoise"
)

// statusClass maps each application code to the standard RPC status class
// named in spec §7's taxonomy table.
var statusClass = map[Code]codes.Code{
	SessionNotFound:         codes.NotFound,
	SessionClosed:           codes.FailedPrecondition,
	SessionActive:           codes.FailedPrecondition,
	WorktreeInUse:           codes.ResourceExhausted,
	MachineOffline:          codes.Unavailable,
	NoInputLock:             codes.PermissionDenied,
	PermissionTimeout:       codes.DeadlineExceeded,
	InvalidPermissionConfig: codes.InvalidArgument,
	PoolExhausted:           codes.ResourceExhausted,
	TunnelDisconnected:      codes.Unavailable,
	BufferFull:              codes.ResourceExhausted,
	RateLimited:             codes.ResourceExhausted,
	SubprocessCrashed:       codes.Internal,
	VersionIncompatible:     codes.FailedPrecondition,
	TunnelSuperseded:        codes.Aborted,
	AgentSpawn:              codes.Internal,
	ProtocolNoise:           codes.Internal,
}

// Error is an application error carrying a taxonomy code, a gRPC status
// class, optional structured detail, and a fatal flag (spec §7:
// "Fatal errors always include is_fatal=true and close the stream").
type Error struct {
	Code    Code
	Detail  map[string]any
	Fatal   bool
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.wrapped)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Status returns the standard RPC status class for this error's code.
func (e *Error) Status() codes.Code {
	if s, ok := statusClass[e.Code]; ok {
		return s
	}
	return codes.Unknown
}

// New creates a non-fatal application error with the given code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, wrapped: errors.New(msg)}
}

// Newf creates a non-fatal application error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, wrapped: fmt.Errorf(format, args...)}
}

// Wrap attaches a taxonomy code to an existing error.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, wrapped: err}
}

// WithDetail attaches structured detail fields (e.g. BufferFull's cap).
func (e *Error) WithDetail(detail map[string]any) *Error {
	e.Detail = detail
	return e
}

// AsFatal marks the error fatal: it closes the stream per spec §7.
func (e *Error) AsFatal() *Error {
	e.Fatal = true
	return e
}

// Of extracts an *Error from err, or nil if err does not wrap one.
func Of(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
