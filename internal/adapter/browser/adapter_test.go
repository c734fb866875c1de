package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrt/internal/domain"
	"chatrt/internal/usecase/behaviour"
	"chatrt/internal/usecase/humantiming"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine is an in-memory Engine double driven entirely by explicit
// script steps, so adapter tests never launch a real browser.
type fakeEngine struct {
	mu           sync.Mutex
	authenticated bool
	qrSrc         string
	messages      []scrapedMessage
	clicks        []string
	types         []string
	closed        bool
}

func (f *fakeEngine) Navigate(ctx context.Context, url string) error { return nil }

func (f *fakeEngine) Evaluate(ctx context.Context, expr string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch p := out.(type) {
	case *string:
		switch {
		case expr == existsJS(defaultSelectors.Authenticated):
			if f.authenticated {
				*p = "true"
			} else {
				*p = "false"
			}
		case expr == qrImageSrcJS(defaultSelectors.QRCode):
			*p = f.qrSrc
		case expr == messageListJS(defaultSelectors.MessageList, defaultSelectors.MessageItem):
			data, _ := marshalMessages(f.messages)
			*p = data
		default:
			*p = ""
		}
	}
	return nil
}

func marshalMessages(msgs []scrapedMessage) (string, error) {
	b := []byte("[")
	for i, m := range msgs {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(fmt.Sprintf(
			`{"id":%q,"text":%q,"sender":%q,"timestampMs":%d,"outgoing":%v}`,
			m.ID, m.Text, m.Sender, m.Timestamp, m.Outgoing))...)
	}
	b = append(b, ']')
	return string(b), nil
}

func (f *fakeEngine) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, selector)
	return nil
}

func (f *fakeEngine) Type(ctx context.Context, selector, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, text)
	return nil
}

func (f *fakeEngine) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) }
}

func TestAdapter_ConnectWaitsForAuthenticated(t *testing.T) {
	engine := &fakeEngine{authenticated: true}
	a := New(Config{ElementTimeout: time.Second, MessagePollInterval: time.Hour}, engine, discardLogger(), nil, func() float64 { return 0.5 }, testClock())

	err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, a.IsConnected())

	require.NoError(t, a.Disconnect(context.Background()))
	assert.False(t, a.IsConnected())
}

func TestAdapter_ConnectEmitsQRThenAuthenticates(t *testing.T) {
	engine := &fakeEngine{qrSrc: "data:image/png;base64,AAA"}
	a := New(Config{ElementTimeout: 2 * time.Second, MessagePollInterval: time.Hour}, engine, discardLogger(), nil, func() float64 { return 0.5 }, testClock())

	var qrEvents []map[string]any
	a.On("qr", func(p any) {
		qrEvents = append(qrEvents, p.(map[string]any))
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		engine.mu.Lock()
		engine.authenticated = true
		engine.mu.Unlock()
	}()

	err := a.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, qrEvents, 1)
	assert.Equal(t, 1, qrEvents[0]["attempt"])
}

func TestAdapter_SendTextRequiresConnection(t *testing.T) {
	engine := &fakeEngine{}
	a := New(Config{}, engine, discardLogger(), nil, func() float64 { return 0 }, testClock())

	_, err := a.SendText(context.Background(), domain.Conversation{ID: "c1"}, "hi")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestAdapter_SendTextTypesAndClicksSend(t *testing.T) {
	engine := &fakeEngine{authenticated: true}
	a := New(Config{ElementTimeout: time.Second, MessagePollInterval: time.Hour, SelfUser: domain.User{ID: "me", Platform: domain.PlatformBrowser}}, engine, discardLogger(), nil, func() float64 { return 0.5 }, testClock())
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect(context.Background())

	conv := domain.Conversation{ID: "+1555", Platform: domain.PlatformBrowser, Type: domain.ConversationDM}
	msg, err := a.SendText(context.Background(), conv, "hello there")
	require.NoError(t, err)
	assert.Equal(t, domain.NewTextContent("hello there"), msg.Content)
	assert.Equal(t, "me", msg.Sender.ID)
	assert.Contains(t, engine.types, "hello there")
}

func TestAdapter_UnsupportedOperations(t *testing.T) {
	engine := &fakeEngine{authenticated: true}
	a := New(Config{ElementTimeout: time.Second, MessagePollInterval: time.Hour}, engine, discardLogger(), nil, func() float64 { return 0 }, testClock())
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect(context.Background())

	msg := domain.Message{ID: "m1", Conversation: domain.Conversation{ID: "c1"}}
	_, err := a.SendImage(context.Background(), msg.Conversation, domain.MediaRef{}, "")
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	err = a.React(context.Background(), msg, "👍")
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	_, err = a.GetMessages(context.Background(), msg.Conversation, 10, nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)
}

func TestAdapter_PollEmitsOnlyNewInboundMessages(t *testing.T) {
	engine := &fakeEngine{authenticated: true}
	a := New(Config{ElementTimeout: time.Second, MessagePollInterval: 20 * time.Millisecond}, engine, discardLogger(), nil, func() float64 { return 0.5 }, testClock())

	var received []domain.Message
	var mu sync.Mutex
	a.On(domain.EventMessage, func(p any) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, p.(domain.Message))
	})

	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect(context.Background())

	engine.mu.Lock()
	engine.messages = []scrapedMessage{
		{ID: "m1", Text: "hi", Sender: "+1555", Outgoing: false},
		{ID: "m2", Text: "sent by me", Outgoing: true},
	}
	engine.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m1", received[0].ID)
}

func TestAdapter_ConnectStartsBehaviourMachineDisconnectStopsIt(t *testing.T) {
	engine := &fakeEngine{authenticated: true}
	// Scale dwell times down to near-zero so the machine's internal timer
	// fires a transition almost immediately once Start is called.
	bm := behaviour.NewMachine(behaviour.Profile{Scale: 0.0001}, func() float64 { return 0 }, testClock())

	var mu sync.Mutex
	transitions := 0
	bm.OnTransition(func(behaviour.Transition) {
		mu.Lock()
		transitions++
		mu.Unlock()
	})

	a := New(Config{ElementTimeout: time.Second, MessagePollInterval: time.Hour}, engine, discardLogger(), bm, func() float64 { return 0.5 }, testClock())

	require.NoError(t, a.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return transitions > 0
	}, time.Second, 5*time.Millisecond, "behaviour machine's timer never fired, Connect did not Start() it")

	require.NoError(t, a.Disconnect(context.Background()))
	mu.Lock()
	after := transitions
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, transitions, "transitions kept firing after Disconnect, Stop() was not called")
}

func TestAdapter_PaceConsultsBehaviourState(t *testing.T) {
	engine := &fakeEngine{authenticated: true}
	bm := behaviour.NewMachine(behaviour.Profile{Scale: 1000}, func() float64 { return 0 }, testClock())
	a := New(Config{ElementTimeout: time.Second, MessagePollInterval: time.Hour, Timing: humantiming.Profile{}}, engine, discardLogger(), bm, func() float64 { return 0 }, testClock())
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect(context.Background())

	bm.ForceTransition(behaviour.StateActive)
	activeStart := time.Now()
	a.pace(context.Background(), "hi")
	activeElapsed := time.Since(activeStart)

	bm.ForceTransition(behaviour.StateAway)
	awayStart := time.Now()
	a.pace(context.Background(), "hi")
	awayElapsed := time.Since(awayStart)

	assert.Greater(t, awayElapsed, activeElapsed, "pace() should take longer while the behaviour state is away")
}
