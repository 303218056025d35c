// Package cserver implements the coordinator: the WebSocket endpoint the
// agents attach to, the SOCKS5 front-end clients speak to, and the
// session relay tying the two together.
package cserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chilsonite/pkg/protocol"
	"chilsonite/pkg/registry"
)

// Link timing. A link is declared dead when no Pong arrives for a full
// pongDeadline even though Pings go out every pingInterval.
const (
	pingInterval  = 10 * time.Second
	pongDeadline  = 30 * time.Second
	writeTimeout  = 10 * time.Second
	sendQueueSize = 256
)

// Dial outcomes surfaced to the SOCKS front-end.
var (
	ErrDialRefused = errors.New("agent could not reach target")
	ErrDialTimeout = errors.New("timed out waiting for agent connect result")
)

// AgentLink owns the WebSocket to one registered agent. It is the single
// writer to that socket and the demultiplexer of everything the agent
// sends back. All live sessions for the agent hang off the link; tearing
// the link down cascades to every one of them.
type AgentLink struct {
	id         string
	meta       protocol.Metadata
	attachedAt time.Time

	conn *websocket.Conn
	send chan protocol.Message

	sessions sync.Map // session id → *Session
	pending  sync.Map // session id → chan protocol.Message, one-shot connect rendezvous

	closed    chan struct{}
	closeOnce sync.Once

	lastPong atomic.Int64 // unix nanos of the most recent Pong

	reg *registry.Registry
	log zerolog.Logger
}

func newAgentLink(id string, meta protocol.Metadata, conn *websocket.Conn, reg *registry.Registry, log zerolog.Logger) *AgentLink {
	l := &AgentLink{
		id:         id,
		meta:       meta,
		attachedAt: time.Now(),
		conn:       conn,
		send:       make(chan protocol.Message, sendQueueSize),
		closed:     make(chan struct{}),
		reg:        reg,
		log:        log.With().Str("agent_id", id).Logger(),
	}
	l.lastPong.Store(time.Now().UnixNano())
	return l
}

// ID implements registry.Handle.
func (l *AgentLink) ID() string { return l.id }

// Meta implements registry.Handle.
func (l *AgentLink) Meta() protocol.Metadata { return l.meta }

// AttachedAt implements registry.Handle.
func (l *AgentLink) AttachedAt() time.Time { return l.attachedAt }

// Send enqueues a frame for the writer goroutine. It blocks while the
// queue is full, which is what pushes backpressure onto session pumps,
// and fails immediately once the link is down.
func (l *AgentLink) Send(m protocol.Message) error {
	select {
	case l.send <- m:
		return nil
	case <-l.closed:
		return protocol.ErrLinkClosed
	}
}

// run services the link until the socket drops, the agent goes silent, or
// the agent violates the protocol. It blocks; the caller owns the
// goroutine.
func (l *AgentLink) run() {
	go l.writeLoop()
	l.readLoop()
	l.teardown("link closed")
}

// teardown removes the agent from the registry and aborts every session
// it owns. Safe to call from any goroutine, effective once.
func (l *AgentLink) teardown(reason string) {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
		l.reg.Remove(l.id)

		n := 0
		l.sessions.Range(func(_, value any) bool {
			value.(*Session).close(reason, false)
			n++
			return true
		})
		l.log.Info().Int("aborted_sessions", n).Str("reason", reason).Msg("Agent link closed")
	})
}

// writeLoop is the only goroutine that writes to the socket. It also owns
// the keep-alive: a Ping every pingInterval, death after pongDeadline of
// silence.
func (l *AgentLink) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return

		case m := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteJSON(m); err != nil {
				l.log.Warn().Err(err).Msg("Link write failed")
				l.teardown("write failed")
				return
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, l.lastPong.Load())) > pongDeadline {
				l.teardown("ping deadline exceeded")
				return
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteJSON(protocol.NewPing()); err != nil {
				l.teardown("ping write failed")
				return
			}
		}
	}
}

// readLoop demultiplexes agent frames onto sessions and pending-connect
// waiters.
func (l *AgentLink) readLoop() {
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return
		}

		m, err := protocol.Decode(raw)
		if err != nil {
			l.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}

		switch m.Type {
		case protocol.TypeData:
			value, ok := l.sessions.Load(m.SessionID)
			if !ok {
				_ = l.Send(protocol.NewClose(m.SessionID, protocol.ErrNoSession.Error()))
				continue
			}
			payload, err := m.Payload()
			if err != nil {
				value.(*Session).close("invalid payload", true)
				continue
			}
			value.(*Session).deliverData(payload)

		case protocol.TypeCloseWrite:
			if value, ok := l.sessions.Load(m.SessionID); ok {
				value.(*Session).deliverCloseWrite()
			}

		case protocol.TypeClose:
			if value, ok := l.sessions.Load(m.SessionID); ok {
				value.(*Session).close(m.Reason, false)
			}

		case protocol.TypeConnectResult:
			if value, ok := l.pending.LoadAndDelete(m.SessionID); ok {
				value.(chan protocol.Message) <- m
			} else if m.OK {
				// The waiter gave up before the dial finished; make sure
				// the agent drops the racing socket.
				_ = l.Send(protocol.NewClose(m.SessionID, "connect abandoned"))
			}

		case protocol.TypePing:
			_ = l.Send(protocol.NewPong())

		case protocol.TypePong:
			l.lastPong.Store(time.Now().UnixNano())

		default:
			// Register after registration is a protocol violation.
			l.log.Warn().Str("type", m.Type).Msg("Unexpected frame from registered agent")
			return
		}
	}
}

// dialTarget asks the agent to open host:port for the given session and
// waits for the ConnectResult. The session must already be in the link's
// table so that Data arriving right behind the result has somewhere to
// land. On timeout a Close chases the Connect to drop any racing socket
// on the agent.
func (l *AgentLink) dialTarget(ctx context.Context, sessionID, host string, port uint16, timeout time.Duration) error {
	ch := make(chan protocol.Message, 1)
	l.pending.Store(sessionID, ch)
	defer l.pending.Delete(sessionID)

	if err := l.Send(protocol.NewConnect(sessionID, host, port)); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.OK {
			_ = l.Send(protocol.NewClose(sessionID, "connect failed"))
			return fmt.Errorf("%w: %s", ErrDialRefused, res.Error)
		}
		return nil
	case <-timer.C:
		_ = l.Send(protocol.NewClose(sessionID, "connect timeout"))
		return ErrDialTimeout
	case <-l.closed:
		return protocol.ErrLinkClosed
	case <-ctx.Done():
		_ = l.Send(protocol.NewClose(sessionID, "canceled"))
		return ctx.Err()
	}
}

// SessionInfo is a point-in-time view of one live session, for the
// operator console.
type SessionInfo struct {
	ID        string
	AgentID   string
	Target    string
	BytesUp   uint64
	BytesDown uint64
	Started   time.Time
}

// Sessions snapshots the link's live sessions.
func (l *AgentLink) Sessions() []SessionInfo {
	var out []SessionInfo
	l.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*Session).info())
		return true
	})
	return out
}
