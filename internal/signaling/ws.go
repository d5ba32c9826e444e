package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// outboundFrame is what the relay expects on send: the message plus its
// destination. The relay strips to_user_id and delivers the rest.
type outboundFrame struct {
	Message
	To UserID `json:"to_user_id"`
}

// WSTransport is a Transport backed by a WebSocket connection to the relay.
// The connection's inbox is the local user's.
type WSTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex // serializes data writes
	closeOnce sync.Once
}

var _ Transport = (*WSTransport)(nil)

// DialWS connects to the relay as user self.
func DialWS(ctx context.Context, relayURL string, self UserID) (*WSTransport, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("user_id", self.String())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return NewWSTransport(conn), nil
}

// NewWSTransport wraps an established connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// Send writes one frame. The write deadline is the earlier of ctx's deadline
// and wsWriteWait.
func (t *WSTransport) Send(ctx context.Context, msg Message, to UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(outboundFrame{Message: msg, To: to})
}

// Subscribe reads frames until ctx is cancelled or the connection fails.
// Frames that are not valid JSON are logged and skipped. While subscribed,
// the connection is kept alive with pings.
func (t *WSTransport) Subscribe(ctx context.Context, fn func(Message)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.keepAlive(ctx)

	// Unblock the read loop on cancellation.
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("relay read: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("ignoring malformed relay frame: %v", err)
			continue
		}
		fn(msg)
	}
}

func (t *WSTransport) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				util.LogDebug("relay ping failed: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close sends a close frame and closes the connection. Safe to call more
// than once.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.mu.Unlock()
		err = t.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
