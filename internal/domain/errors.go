package domain

import (
	"errors"
	"fmt"
)

// Category sentinels for the chat integration runtime's error taxonomy.
// Use with NewSubSystemError when a subsystem-specific ErrorCode is needed;
// otherwise a bare DomainError wrapping one of these is sufficient.
var (
	ErrNotConnected         = fmt.Errorf("adapter is not connected")
	ErrAlreadyConnected     = fmt.Errorf("adapter is already connected")
	ErrTimeout              = fmt.Errorf("operation timed out")
	ErrUnsupportedOperation = fmt.Errorf("operation is not supported on this platform")
	ErrRPCError             = fmt.Errorf("subprocess returned an rpc error")
	ErrProcessTerminated    = fmt.Errorf("subprocess terminated unexpectedly")
	ErrSessionExpired       = fmt.Errorf("session permanently expired")
	ErrTransport            = fmt.Errorf("transport error")
	ErrValidation           = fmt.Errorf("validation failed")
	ErrPatchApplication     = fmt.Errorf("patch application failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name, e.g. "MobileAdapter.SendText"
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier, e.g. "mobile", "subprocess", "browser"
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for
// ErrorCode dispatch. Use this with category sentinels (ErrNotConnected,
// ErrTimeout, ...) so ErrorCodeOf can resolve sentinel+subsystem to a
// specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err).
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is transient and may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}

// NewUnsupportedOperation builds the UnsupportedOperation error for an
// adapter that cannot satisfy op on its platform.
func NewUnsupportedOperation(platform Platform, op string) error {
	return NewSubSystemError(string(platform), op, ErrUnsupportedOperation, "operation name: "+op)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown ErrorCode = "UNKNOWN"

	CodeNotConnected         ErrorCode = "NOT_CONNECTED"
	CodeAlreadyConnected     ErrorCode = "ALREADY_CONNECTED"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeUnsupportedOperation ErrorCode = "UNSUPPORTED_OPERATION"
	CodeRPCError             ErrorCode = "RPC_ERROR"
	CodeProcessTerminated    ErrorCode = "PROCESS_TERMINATED"
	CodeSessionExpired       ErrorCode = "SESSION_EXPIRED"
	CodeTransport            ErrorCode = "TRANSPORT_ERROR"
	CodeValidation           ErrorCode = "VALIDATION_ERROR"
	CodePatchApplication     ErrorCode = "PATCH_APPLICATION_ERROR"

	// Subsystem-specific timeout refinements, resolved via subSystemCodeMap.
	CodeRequestTimeout   ErrorCode = "REQUEST_TIMEOUT"
	CodeQRTimeout        ErrorCode = "QR_TIMEOUT"
	CodeConnectTimeout   ErrorCode = "CONNECT_TIMEOUT"
	CodeElementTimeout   ErrorCode = "ELEMENT_TIMEOUT"
)

// errorCodeMap maps category sentinels to their default machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:         CodeNotConnected,
	ErrAlreadyConnected:     CodeAlreadyConnected,
	ErrTimeout:              CodeTimeout,
	ErrUnsupportedOperation: CodeUnsupportedOperation,
	ErrRPCError:             CodeRPCError,
	ErrProcessTerminated:    CodeProcessTerminated,
	ErrSessionExpired:       CodeSessionExpired,
	ErrTransport:            CodeTransport,
	ErrValidation:           CodeValidation,
	ErrPatchApplication:     CodePatchApplication,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to a more
// specific ErrorCode than the sentinel's default.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"subprocess": CodeRequestTimeout,
		"mobile":     CodeQRTimeout,
		"bot_api":    CodeConnectTimeout,
		"browser":    CodeElementTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for err. It unwraps
// DomainError and uses errors.Is to match sentinel errors. For
// DomainErrors with a SubSystem, it also checks subSystemCodeMap to refine
// a category sentinel to a subsystem-specific code. Returns CodeUnknown if
// no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel,
// refined by SubSystem when subSystemCodeMap has a more specific entry.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
