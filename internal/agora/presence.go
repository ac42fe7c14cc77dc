package agora

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const presenceBuffer = 256

// StreamStats counts presence stream activity.
type StreamStats struct {
	Connected time.Duration
	Events    int64
	Bytes     int64
	Dropped   int64
	ReadErrs  int64
}

// PresenceWatcher consumes the gateway's presence websocket. On connect the
// server sends a snapshot of everyone currently online, then live updates.
type PresenceWatcher struct {
	url    string
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected time.Time
	events    int64
	bytes     int64
	dropped   int64
	readErrs  int64

	stream chan PresenceEvent
	done   chan struct{}
}

// NewPresenceWatcher builds a watcher for the /ws/presence endpoint of the
// given http(s) base URL.
func NewPresenceWatcher(baseURL, token string) (*PresenceWatcher, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/presence"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	return &PresenceWatcher{
		url: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		stream: make(chan PresenceEvent, presenceBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Connect dials the stream and starts the read pump.
func (w *PresenceWatcher) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return fmt.Errorf("already connected")
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("presence dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("presence dial failed: %w", err)
	}

	w.conn = conn
	w.connected = time.Now()
	go w.readPump(conn)
	return nil
}

func (w *PresenceWatcher) readPump(conn *websocket.Conn) {
	defer close(w.done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			if w.conn != nil { // nil after a deliberate Close
				w.readErrs++
			}
			w.mu.Unlock()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			w.mu.Lock()
			w.readErrs++
			w.mu.Unlock()
			continue
		}

		w.mu.Lock()
		w.events++
		w.bytes += int64(len(data))
		w.mu.Unlock()

		select {
		case w.stream <- ev:
		default:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
		}
	}
}

// Events exposes the live stream. The channel is buffered; events beyond
// the buffer are dropped and counted in Stats.
func (w *PresenceWatcher) Events() <-chan PresenceEvent { return w.stream }

// Await blocks until an event satisfying pred arrives, the stream closes,
// or the budget elapses. Returns whether a matching event was seen and how
// long the wait took.
func (w *PresenceWatcher) Await(ctx context.Context, max time.Duration, pred func(PresenceEvent) bool) (bool, time.Duration, error) {
	start := time.Now()
	timer := time.NewTimer(max)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, time.Since(start), ctx.Err()
		case <-timer.C:
			return false, time.Since(start), nil
		case <-w.done:
			// Drain anything still buffered before reporting the closure.
			for {
				select {
				case ev := <-w.stream:
					if pred(ev) {
						return true, time.Since(start), nil
					}
				default:
					return false, time.Since(start), fmt.Errorf("presence stream closed")
				}
			}
		case ev := <-w.stream:
			if pred(ev) {
				return true, time.Since(start), nil
			}
		}
	}
}

// Close sends a close frame and tears down the connection.
func (w *PresenceWatcher) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second),
	)
	closeErr := conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Stats returns a snapshot of stream counters.
func (w *PresenceWatcher) Stats() StreamStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var connected time.Duration
	if !w.connected.IsZero() {
		connected = time.Since(w.connected)
	}
	return StreamStats{
		Connected: connected,
		Events:    w.events,
		Bytes:     w.bytes,
		Dropped:   w.dropped,
		ReadErrs:  w.readErrs,
	}
}
