// Package apierr defines the error taxonomy returned by session operations.
//
// Every error produced at the session boundary is an *Error carrying a Kind.
// Kinds implement the error interface themselves so callers can match with
// errors.Is:
//
//	if errors.Is(err, apierr.NotAvailableBecauseProtection) {
//	    // recover the device first
//	}
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	InvalidSession
	InvalidOperation
	InvalidParameter
	InvalidDeviceForOperation
	WrongFamily
	CannotConnect
	EmulatorNotConnected
	NoEmulatorConnected
	LowVoltage
	ProbeError
	ProbeTimeout
	ProbeTooOld
	ProbeNotFound
	ProbeOpenFailed
	NotAvailableBecauseProtection
	NvmcError
	VerifyError
	RecoverFailed
	OutOfMemory
	FileNotFound
	FileInvalid
	FileParsing
	FileUnknownFormat
	FileOperationFailed
	UnknownDevice
)

var kindNames = map[Kind]string{
	Unknown:                       "Unknown",
	InvalidSession:                "InvalidSession",
	InvalidOperation:              "InvalidOperation",
	InvalidParameter:              "InvalidParameter",
	InvalidDeviceForOperation:     "InvalidDeviceForOperation",
	WrongFamily:                   "WrongFamily",
	CannotConnect:                 "CannotConnect",
	EmulatorNotConnected:          "EmulatorNotConnected",
	NoEmulatorConnected:           "NoEmulatorConnected",
	LowVoltage:                    "LowVoltage",
	ProbeError:                    "ProbeError",
	ProbeTimeout:                  "ProbeTimeout",
	ProbeTooOld:                   "ProbeTooOld",
	ProbeNotFound:                 "ProbeNotFound",
	ProbeOpenFailed:               "ProbeOpenFailed",
	NotAvailableBecauseProtection: "NotAvailableBecauseProtection",
	NvmcError:                     "NvmcError",
	VerifyError:                   "VerifyError",
	RecoverFailed:                 "RecoverFailed",
	OutOfMemory:                   "OutOfMemory",
	FileNotFound:                  "FileNotFound",
	FileInvalid:                   "FileInvalid",
	FileParsing:                   "FileParsing",
	FileUnknownFormat:             "FileUnknownFormat",
	FileOperationFailed:           "FileOperationFailed",
	UnknownDevice:                 "UnknownDevice",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Fatal reports whether the session should be closed and reopened after an
// error of this kind. Transport failures and a failed recover leave the
// target in an unknown state.
func (k Kind) Fatal() bool {
	switch k {
	case RecoverFailed, ProbeError, ProbeTimeout:
		return true
	}
	return false
}

// Error is the concrete error type returned by session operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind target against the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds an *Error with a formatted detail message.
func New(kind Kind, op, format string, args ...any) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap attaches a kind and operation name to err. An err that already carries
// a Kind keeps it; only the operation name is updated.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return &Error{Kind: kind, Op: op}
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Op: op, Err: ae.Err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}
