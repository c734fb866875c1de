package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatrt/internal/usecase/session"
)

// webSocketSocket implements session.Socket over a nhooyr.io/websocket
// connection. It does not itself decide reconnect policy; that lives
// entirely in session.Manager, per the adapter-ownership invariant.
//
// The connection has exactly one reader: readLoop. Responses to outbound
// requests are correlated back to their caller by the "id" the socket
// stamps on each request, so Send never reads the connection directly and
// never races the loop for inbound frames.
type webSocketSocket struct {
	url    string
	logger *slog.Logger
	conn   *websocket.Conn

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan json.RawMessage
}

func newWebSocketSocket(url string, logger *slog.Logger) *webSocketSocket {
	return &webSocketSocket{
		url:     url,
		logger:  logger,
		pending: make(map[uint64]chan json.RawMessage),
	}
}

// wireFrame is the envelope shape read off the wire. A "response" frame
// is routed to the pending Send it answers; every other frame becomes a
// SocketEvent.
type wireFrame struct {
	Kind       string          `json:"kind"`
	ID         uint64          `json:"id,omitempty"`
	QR         string          `json:"qr,omitempty"`
	Connection string          `json:"connection,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Text       string          `json:"text,omitempty"`
	IsNewLogin bool            `json:"isNewLogin,omitempty"`
	JID        string          `json:"jid,omitempty"`
	Envelope   json.RawMessage `json:"envelope,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *webSocketSocket) Open(ctx context.Context) (<-chan session.SocketEvent, error) {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	events := make(chan session.SocketEvent, 32)
	go s.readLoop(ctx, conn, events)
	return events, nil
}

func (s *webSocketSocket) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- session.SocketEvent) {
	defer close(events)
	for {
		var frame wireFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			s.failPending(err)
			events <- session.SocketEvent{
				Kind:       "connection",
				Connection: "close",
				Disconnect: &session.DisconnectError{StatusCode: 0, Text: err.Error()},
			}
			return
		}
		if frame.Kind == "response" {
			s.resolvePending(frame.ID, frame.Payload)
			continue
		}
		events <- s.toSocketEvent(frame)
	}
}

func (s *webSocketSocket) resolvePending(id uint64, payload json.RawMessage) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- payload
	}
}

func (s *webSocketSocket) failPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]chan json.RawMessage)
	s.pendingMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if len(pending) > 0 {
		s.logger.Warn("mobile: socket closed with requests in flight", "count", len(pending), "error", err)
	}
}

func (s *webSocketSocket) toSocketEvent(frame wireFrame) session.SocketEvent {
	switch frame.Kind {
	case "qr":
		return session.SocketEvent{Kind: "qr", QRCode: frame.QR}
	case "connection":
		evt := session.SocketEvent{Kind: "connection", Connection: frame.Connection, IsNewLogin: frame.IsNewLogin, JID: frame.JID}
		if frame.Connection == "close" {
			evt.Disconnect = &session.DisconnectError{StatusCode: frame.StatusCode, Text: frame.Text}
		}
		return evt
	case "message":
		var env Envelope
		_ = json.Unmarshal(frame.Envelope, &env)
		return session.SocketEvent{Kind: "message", Raw: env}
	default:
		return session.SocketEvent{Kind: frame.Kind, Raw: frame.Envelope}
	}
}

func (s *webSocketSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Sender is implemented by sockets that can issue outbound operations
// beyond the connect/pairing lifecycle session.Manager owns. The mobile
// adapter type-asserts session.Manager.ActiveSocket() against this to
// send messages, reactions, and presence updates.
type Sender interface {
	Send(ctx context.Context, req map[string]any) (json.RawMessage, error)
}

var errSocketClosed = errors.New("socket closed before a response arrived")

func (s *webSocketSocket) Send(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	if s.conn == nil {
		return nil, errSocketClosed
	}

	id := s.nextID.Add(1)
	req["id"] = id

	ch := make(chan json.RawMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, err
	}

	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, errSocketClosed
		}
		return payload, nil
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *webSocketSocket) SendPairingCode(ctx context.Context, phone string) (string, error) {
	payload, err := s.Send(ctx, map[string]any{"kind": "pairingCode", "phone": phone})
	if err != nil {
		return "", err
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}
