// Package status defines the single result-kind taxonomy used across the
// core, mirroring the teacher's ODR/SDOAbortCode pattern of a typed code
// with an Error() string method rather than ad-hoc sentinel errors per
// package.
package status

import "fmt"

// Code enumerates the result kinds named by the error handling design.
type Code int

const (
	Ok Code = iota
	DeviceNotConnected
	InitializationError
	FifoFull
	ResponseTimeout
	BadResponse
	SdoAbort
	TypeMismatch
	LimitExceeded
	UnknownObject
	LoaderError
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "ok"
	case DeviceNotConnected:
		return "device not connected"
	case InitializationError:
		return "initialization error"
	case FifoFull:
		return "fifo full"
	case ResponseTimeout:
		return "response timeout"
	case BadResponse:
		return "bad response"
	case SdoAbort:
		return "sdo abort"
	case TypeMismatch:
		return "type mismatch"
	case LimitExceeded:
		return "limit exceeded"
	case UnknownObject:
		return "unknown object"
	case LoaderError:
		return "loader error"
	default:
		return "unknown status"
	}
}

// LoaderKind names which phase of a firmware-flashing session produced a
// LoaderError, mirroring the original MD80Downloader::Status enum
// (ERROR_RESET/ERROR_INIT/ERROR_FIRMWARE/ERROR_PROG/ERROR_BOOT).
type LoaderKind uint8

const (
	LoaderKindNone LoaderKind = iota
	LoaderKindReset
	LoaderKindInit
	LoaderKindFirmware
	LoaderKindProg
	LoaderKindBoot
)

func (k LoaderKind) String() string {
	switch k {
	case LoaderKindReset:
		return "reset"
	case LoaderKindInit:
		return "init"
	case LoaderKindFirmware:
		return "firmware"
	case LoaderKindProg:
		return "prog"
	case LoaderKindBoot:
		return "boot"
	default:
		return "none"
	}
}

// Error is the single result type carried across package boundaries. A
// nil *Error means success; callers test with a plain nil comparison.
type Error struct {
	Code    Code
	Detail  string
	AbortCd uint32     // valid when Code == SdoAbort
	Loader  LoaderKind // valid when Code == LoaderError
}

func (e *Error) Error() string {
	if e == nil {
		return "ok"
	}
	if e.Code == SdoAbort {
		return fmt.Sprintf("%s: abort code 0x%08X: %s", e.Code, e.AbortCd, e.Detail)
	}
	if e.Code == LoaderError && e.Loader != LoaderKindNone {
		if e.Detail == "" {
			return fmt.Sprintf("%s(%s)", e.Code, e.Loader)
		}
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Loader, e.Detail)
	}
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Abort(code uint32) *Error {
	return &Error{Code: SdoAbort, AbortCd: code}
}

// NewLoader builds a LoaderError tagged with kind, per spec.md §7/§8's
// "ends the session with LoaderError(Firmware)"-style testable property.
func NewLoader(kind LoaderKind, detail string) *Error {
	return &Error{Code: LoaderError, Loader: kind, Detail: detail}
}

// NewLoaderf is NewLoader with a formatted detail.
func NewLoaderf(kind LoaderKind, format string, args ...any) *Error {
	return &Error{Code: LoaderError, Loader: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsLoader reports whether err is a LoaderError of the given kind.
func IsLoader(err error, kind LoaderKind) bool {
	se, ok := err.(*Error)
	return ok && se != nil && se.Code == LoaderError && se.Loader == kind
}

// Is reports whether err is a *Error of the given code. It does not
// unwrap: an error wrapping a *Error does not match.
func Is(err error, code Code) bool {
	se, ok := err.(*Error)
	return ok && se != nil && se.Code == code
}
