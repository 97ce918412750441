package internal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	_wsWriteTimeout = 10 * time.Second
	_wsReadLimit    = 1 << 16
)

var _upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 12,
	WriteBufferSize: 1 << 12,
	// Browsers can't set custom headers on WebSocket upgrades; the token in
	// the query string is the auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsPeer is one attached client connection. Envelopes are enqueued by the
// coordinator and drained by a single writer goroutine, which keeps delivery
// in enqueue order.
type wsPeer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	queue  []Envelope
	wake   chan struct{}
	closed bool
}

var _ broadcastSink = (*wsPeer)(nil)

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, wake: make(chan struct{}, 1)}
}

// enqueue buffers an envelope for the write pump. Returns false once the
// peer is gone so the coordinator can drop its reference.
func (p *wsPeer) enqueue(env Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, env)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// closeNormal marks the peer done; the write pump drains the queue and sends
// the close frame.
func (p *wsPeer) closeNormal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest buffered envelope.
func (p *wsPeer) next() (Envelope, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Envelope{}, false, p.closed
	}
	env := p.queue[0]
	p.queue = p.queue[1:]
	return env, true, p.closed
}

// writePump drains buffered envelopes to the wire in order. After a terminal
// envelope, or once closeNormal was called and the queue is drained, it
// sends a normal close frame and returns.
func (p *wsPeer) writePump(ctx context.Context) {
	defer func() { _ = p.conn.Close() }()

	for {
		env, ok, closed := p.next()
		if !ok {
			if closed {
				p.closeWith(websocket.CloseNormalClosure, "done")
				return
			}
			select {
			case <-p.wake:
				continue
			case <-ctx.Done():
				p.closeWith(websocket.CloseGoingAway, "server shutting down")
				return
			}
		}

		_ = p.conn.SetWriteDeadline(time.Now().Add(_wsWriteTimeout))
		if err := p.conn.WriteJSON(env); err != nil {
			Log(ctx).Debug("problem writing to websocket", "jobID", env.JobID, "err", err)
			p.markClosed()
			return
		}

		if env.terminal() {
			p.closeWith(websocket.CloseNormalClosure, "job finished")
			return
		}
	}
}

func (p *wsPeer) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *wsPeer) closeWith(code int, reason string) {
	p.markClosed()
	deadline := time.Now().Add(_wsWriteTimeout)
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// clientMessage is what we accept from the wire. Anything besides ready and
// cancel is ignored.
type clientMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ServeProgressWS upgrades /ws/progress connections, authenticates them
// against the job's coordinator and bridges envelopes until the job ends or
// the client drops.
func ServeProgressWS(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("jobId")
		token := r.URL.Query().Get("token")

		conn, err := _upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader already wrote an HTTP error.
			return
		}

		coordinator, ok := registry.Get(jobID)
		if !ok {
			closeWithPolicyViolation(conn, "unknown job")
			return
		}
		if err := coordinator.Authenticate(token); err != nil {
			closeWithPolicyViolation(conn, "invalid token")
			return
		}

		peer := newWSPeer(conn)
		replay := coordinator.AttachSink(peer)
		for _, env := range replay {
			peer.enqueue(env)
		}

		ctx := r.Context()
		go peer.writePump(ctx)

		defer coordinator.DetachSink(peer)
		conn.SetReadLimit(_wsReadLimit)

		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				peer.markClosed()
				return
			}

			switch msg.Type {
			case "ready":
				coordinator.ClientReady(ctx)
			case "cancel":
				coordinator.Cancel(ctx, firstNonEmpty(msg.Reason, "client requested"))
			default:
				// Ignore unknown client messages.
			}
		}
	}
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(_wsWriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
