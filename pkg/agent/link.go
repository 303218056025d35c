package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chilsonite/pkg/protocol"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// serverLink is the agent's side of the control channel: symmetric peer
// of the CServer link, but it dials out instead of accepting, and it
// hosts the outbound TCP sockets.
type serverLink struct {
	conn *websocket.Conn
	send chan protocol.Message

	sessions sync.Map // session id → *outbound

	closed    chan struct{}
	closeOnce sync.Once

	agentID      string
	dialTimeout  time.Duration
	allowPrivate bool
	log          zerolog.Logger
}

func newServerLink(conn *websocket.Conn, dialTimeout time.Duration, allowPrivate bool, log zerolog.Logger) *serverLink {
	return &serverLink{
		conn:         conn,
		send:         make(chan protocol.Message, sendQueueSize),
		closed:       make(chan struct{}),
		dialTimeout:  dialTimeout,
		allowPrivate: allowPrivate,
		log:          log,
	}
}

// register sends the Register frame and waits for the server-assigned ID.
func (l *serverLink) register(meta protocol.Metadata) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteJSON(protocol.NewRegister(meta)); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	_ = l.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := l.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await registered: %w", err)
	}
	m, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("await registered: %w", err)
	}
	if m.Type != protocol.TypeRegistered {
		return fmt.Errorf("%w: expected Registered, got %s", protocol.ErrProtocolViolation, m.Type)
	}

	l.agentID = m.AgentID
	l.log = l.log.With().Str("agent_id", m.AgentID).Logger()
	l.log.Info().Msg("Registered with CServer")
	return nil
}

// Send enqueues a frame for the writer goroutine; it blocks while the
// queue is full and fails once the link is down.
func (l *serverLink) Send(m protocol.Message) error {
	select {
	case l.send <- m:
		return nil
	case <-l.closed:
		return protocol.ErrLinkClosed
	}
}

// serve runs the write loop and demultiplexes server frames until the
// link drops.
func (l *serverLink) serve() error {
	go l.writeLoop()
	defer l.teardown()

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(readIdleLimit))
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("link read: %w", err)
		}

		m, err := protocol.Decode(raw)
		if err != nil {
			l.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}

		switch m.Type {
		case protocol.TypeConnect:
			go l.handleConnect(m)

		case protocol.TypeData:
			l.handleData(m)

		case protocol.TypeCloseWrite:
			if value, ok := l.sessions.Load(m.SessionID); ok {
				value.(*outbound).closeWrite()
			}

		case protocol.TypeClose:
			if value, ok := l.sessions.LoadAndDelete(m.SessionID); ok {
				value.(*outbound).close()
			}

		case protocol.TypePing:
			_ = l.Send(protocol.NewPong())

		case protocol.TypePong:
			// The server does not expect the agent to track liveness; the
			// read idle limit covers it.

		default:
			l.log.Warn().Str("type", m.Type).Msg("Unexpected frame from server")
		}
	}
}

func (l *serverLink) writeLoop() {
	for {
		select {
		case <-l.closed:
			return
		case m := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteJSON(m); err != nil {
				l.log.Warn().Err(err).Msg("Link write failed")
				l.teardown()
				return
			}
		}
	}
}

// teardown aborts every live session and closes the socket. Effective
// once, callable from anywhere.
func (l *serverLink) teardown() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()

		n := 0
		l.sessions.Range(func(key, value any) bool {
			value.(*outbound).close()
			l.sessions.Delete(key)
			n++
			return true
		})
		if n > 0 {
			l.log.Info().Int("aborted_sessions", n).Msg("Aborted sessions on link loss")
		}
	})
}
