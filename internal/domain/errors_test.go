package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("MobileAdapter.SendText", ErrNotConnected, "conv '+15550000001'")
	want := "MobileAdapter.SendText: conv '+15550000001': adapter is not connected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Session.Connect", ErrAlreadyConnected, "")
	want := "Session.Connect: adapter is already connected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Process.Request", ErrProcessTerminated, "pid 42")
	if !errors.Is(err, ErrProcessTerminated) {
		t.Error("errors.Is should match ErrProcessTerminated")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Subprocess.Request", ErrRPCError, "code -32601")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Subprocess.Request" {
		t.Errorf("Op = %q, want %q", de.Op, "Subprocess.Request")
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeNotConnected, ErrorCodeOf(ErrNotConnected))
	assert.Equal(t, CodeSessionExpired, ErrorCodeOf(ErrSessionExpired))
	assert.Equal(t, CodeTransport, ErrorCodeOf(ErrTransport))
	assert.Equal(t, CodeValidation, ErrorCodeOf(ErrValidation))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("MobileAdapter.React", ErrNotConnected, "")
	assert.Equal(t, CodeNotConnected, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrPatchApplication)
	assert.Equal(t, CodePatchApplication, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_Code(t *testing.T) {
	err := NewDomainError("Adapter.Send", ErrUnsupportedOperation, "sendVoice")
	assert.Equal(t, CodeUnsupportedOperation, err.Code())
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("subprocess", "Request", ErrTimeout, "slowMethod")
	assert.Equal(t, "Request: slowMethod: operation timed out", err.Error())
}

func TestNewSubSystemError_SubSystemField(t *testing.T) {
	err := NewSubSystemError("mobile", "Connect", ErrTimeout, "")
	assert.Equal(t, "mobile", err.SubSystem)
}

func TestNewSubSystemError_Unwrap(t *testing.T) {
	err := NewSubSystemError("browser", "ClickElement", ErrTimeout, "")
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestNewSubSystemError_BackwardCompatible(t *testing.T) {
	err := NewDomainError("Op", ErrNotConnected, "x")
	assert.Equal(t, "", err.SubSystem)
}

// --- SubSystem-aware ErrorCodeOf tests ---

func TestErrorCodeOf_SubSystemTimeoutSubprocess(t *testing.T) {
	err := NewSubSystemError("subprocess", "Request", ErrTimeout, "slowMethod")
	assert.Equal(t, CodeRequestTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystemTimeoutMobile(t *testing.T) {
	err := NewSubSystemError("mobile", "Connect", ErrTimeout, "")
	assert.Equal(t, CodeQRTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystemFallback(t *testing.T) {
	err := NewSubSystemError("unknown-subsystem", "Op", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_CategorySentinelDirect(t *testing.T) {
	assert.Equal(t, CodeNotConnected, ErrorCodeOf(ErrNotConnected))
	assert.Equal(t, CodeTimeout, ErrorCodeOf(ErrTimeout))
	assert.Equal(t, CodeAlreadyConnected, ErrorCodeOf(ErrAlreadyConnected))
}

func TestDomainError_CodeSubSystem(t *testing.T) {
	err := NewSubSystemError("browser", "ClickElement", ErrTimeout, "")
	assert.Equal(t, CodeElementTimeout, err.Code())
}

func TestDomainError_CodeSubSystemFallback(t *testing.T) {
	err := NewSubSystemError("unknown", "Op", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, err.Code())
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Format(t *testing.T) {
	err := WrapOp("Session.Load", ErrSessionExpired)
	assert.Equal(t, "Session.Load: session permanently expired", err.Error())
}

func TestWrapOp_PreservesIs(t *testing.T) {
	err := WrapOp("Session.Load", ErrSessionExpired)
	assert.True(t, errors.Is(err, ErrSessionExpired))
}

func TestWrapOp_PreservesErrorCode(t *testing.T) {
	err := WrapOp("Session.Load", ErrSessionExpired)
	assert.Equal(t, CodeSessionExpired, ErrorCodeOf(err))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrTransport)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: transport error", outer.Error())
	assert.True(t, errors.Is(outer, ErrTransport))
}

// --- IsRetryableError tests ---

func TestIsRetryableError_Timeout(t *testing.T) {
	assert.True(t, IsRetryableError(ErrTimeout))
}

func TestIsRetryableError_Transport(t *testing.T) {
	assert.True(t, IsRetryableError(ErrTransport))
}

func TestIsRetryableError_Wrapped(t *testing.T) {
	err := fmt.Errorf("send failed: %w", ErrTransport)
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError_DomainError(t *testing.T) {
	err := NewDomainError("BotAPI.Send", ErrTimeout, "getUpdates")
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError_NotRetryable(t *testing.T) {
	assert.False(t, IsRetryableError(ErrUnsupportedOperation))
	assert.False(t, IsRetryableError(ErrSessionExpired))
	assert.False(t, IsRetryableError(fmt.Errorf("random error")))
}

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestNewUnsupportedOperation(t *testing.T) {
	err := NewUnsupportedOperation(PlatformSubprocess, "markRead")
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))
	assert.Equal(t, CodeUnsupportedOperation, ErrorCodeOf(err))
}
