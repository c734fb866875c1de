package process

import (
	"context"
	"encoding/json"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrt/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoScript is a tiny shell program that, for every JSON-RPC line read on
// stdin, echoes back a result envelope with the same id, unless the method
// is "slowMethod" (never replies) or "unsolicited" (also emits an
// id-less notification before replying).
const echoScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([a-zA-Z]*\)".*/\1/p')
  if [ "$method" = "slowMethod" ]; then
    continue
  fi
  if [ "$method" = "triggerEnvelope" ]; then
    echo '{"jsonrpc":"2.0","method":"receive","params":{"hello":"world"}}'
  fi
  echo "{\"jsonrpc\":\"2.0\",\"result\":{\"echoed\":\"$method\"},\"id\":$id}"
done
`

func startEchoManager(t *testing.T, onEnvelope EnvelopeHandler, onError func(error)) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{RequestTimeout: 500 * time.Millisecond}, discardLogger(), onEnvelope, onError)
	err := m.Start(context.Background(), "sh", []string{"-c", echoScript}, "")
	require.NoError(t, err)
	return m
}

func TestManager_RequestReceivesMatchingReply(t *testing.T) {
	m := startEchoManager(t, nil, nil)
	defer m.Stop(context.Background())

	result, err := m.Request(context.Background(), "ping", nil)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "ping", decoded["echoed"])
}

func TestManager_UnsolicitedEnvelopeDispatchedToHandler(t *testing.T) {
	var mu sync.Mutex
	var gotMethod string
	var gotParams json.RawMessage

	m := startEchoManager(t, func(method string, params json.RawMessage) {
		mu.Lock()
		gotMethod = method
		gotParams = params
		mu.Unlock()
	}, nil)
	defer m.Stop(context.Background())

	_, err := m.Request(context.Background(), "triggerEnvelope", nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := gotMethod
		mu.Unlock()
		if got != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "receive", gotMethod)
	assert.JSONEq(t, `{"hello":"world"}`, string(gotParams))
}

func TestManager_RequestTimesOutWhenNoReply(t *testing.T) {
	m := NewManager(ManagerConfig{RequestTimeout: 100 * time.Millisecond}, discardLogger(), nil, nil)
	require.NoError(t, m.Start(context.Background(), "sh", []string{"-c", echoScript}, ""))
	defer m.Stop(context.Background())

	start := time.Now()
	_, err := m.Request(context.Background(), "slowMethod", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Contains(t, err.Error(), "timed out")
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestManager_StartTwiceFailsWithAlreadyConnected(t *testing.T) {
	m := startEchoManager(t, nil, nil)
	defer m.Stop(context.Background())

	err := m.Start(context.Background(), "sh", []string{"-c", echoScript}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyConnected)
}

func TestManager_RequestBeforeStartFailsNotConnected(t *testing.T) {
	m := NewManager(ManagerConfig{}, discardLogger(), nil, nil)
	_, err := m.Request(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestManager_ProcessExitRejectsPendingRequests(t *testing.T) {
	var mu sync.Mutex
	var errCalled bool
	m := NewManager(ManagerConfig{RequestTimeout: 5 * time.Second}, discardLogger(), nil, func(err error) {
		mu.Lock()
		errCalled = true
		mu.Unlock()
	})
	require.NoError(t, m.Start(context.Background(), "sh", []string{"-c", "exit 0"}, ""))

	_, err := m.Request(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProcessTerminated)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		called := errCalled
		mu.Unlock()
		if called {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, errCalled)
}

func TestManager_StopIsIdempotentAndGraceful(t *testing.T) {
	m := startEchoManager(t, nil, nil)
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsRunning())
}
