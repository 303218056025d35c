package cserver

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chilsonite/pkg/protocol"
)

// inFlightChunks bounds the per-session agent→client buffer. At the
// protocol chunk size this caps in-flight data at 1 MiB; the link's read
// loop blocks rather than queue more.
const inFlightChunks = 32

// closeWriter is the half-close capability of the client socket.
type closeWriter interface {
	CloseWrite() error
}

// Session is one virtual byte stream between a SOCKS5 client socket and
// a target socket on the agent side. Two pumps move the bytes; the state
// machine is OPEN → half-closed (either side) → CLOSED, with any error or
// peer Close short-circuiting straight to CLOSED.
type Session struct {
	id      string
	link    *AgentLink
	client  net.Conn
	clientR io.Reader // client with any bytes buffered during the handshake
	target  string
	started time.Time

	// fromAgent carries decoded Data payloads; a nil element is the
	// in-band CloseWrite marker so ordering against data is preserved.
	fromAgent chan []byte

	done     chan struct{}
	doneOnce sync.Once

	mu         sync.Mutex
	clientHalf bool
	agentHalf  bool

	bytesUp   atomic.Uint64 // client → agent
	bytesDown atomic.Uint64 // agent → client
}

func newSession(id string, link *AgentLink, client net.Conn, clientR io.Reader, target string) *Session {
	return &Session{
		id:        id,
		link:      link,
		client:    client,
		clientR:   clientR,
		target:    target,
		started:   time.Now(),
		fromAgent: make(chan []byte, inFlightChunks),
		done:      make(chan struct{}),
	}
}

// deliverData hands one chunk from the link's read loop to the
// client-writing pump. Blocking here is deliberate: it is the
// backpressure that stops the agent side from outrunning the client.
func (s *Session) deliverData(p []byte) {
	select {
	case s.fromAgent <- p:
	case <-s.done:
	}
}

// deliverCloseWrite queues the agent's half-close behind any data still
// in flight.
func (s *Session) deliverCloseWrite() {
	select {
	case s.fromAgent <- nil:
	case <-s.done:
	}
}

// Run pumps bytes in both directions until the session reaches CLOSED.
func (s *Session) Run() {
	go s.pumpClientToAgent()
	s.pumpAgentToClient()
	<-s.done
}

// pumpClientToAgent reads the client socket and forwards chunks over the
// link. Client EOF half-closes; anything else aborts.
func (s *Session) pumpClientToAgent() {
	buf := make([]byte, protocol.ChunkSize)
	var seq uint64

	for {
		n, err := s.clientR.Read(buf)
		if n > 0 {
			seq++
			if sendErr := s.link.Send(protocol.NewData(s.id, seq, buf[:n])); sendErr != nil {
				s.close("link lost", false)
				return
			}
			s.bytesUp.Add(uint64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = s.link.Send(protocol.NewCloseWrite(s.id))
				s.halfClosed(&s.clientHalf)
				return
			}
			select {
			case <-s.done:
				// Read failed because the session already closed under us.
			default:
				s.close("client read failed", true)
			}
			return
		}
	}
}

// pumpAgentToClient drains chunks delivered by the link and writes them
// to the client. The nil marker is the agent's CloseWrite: shut down our
// write side and stop pumping this direction.
func (s *Session) pumpAgentToClient() {
	for {
		select {
		case <-s.done:
			return

		case p := <-s.fromAgent:
			if p == nil {
				if cw, ok := s.client.(closeWriter); ok {
					_ = cw.CloseWrite()
				}
				s.halfClosed(&s.agentHalf)
				return
			}
			if _, err := s.client.Write(p); err != nil {
				s.close("client write failed", true)
				return
			}
			s.bytesDown.Add(uint64(len(p)))
		}
	}
}

// halfClosed records one direction reaching EOF and finishes the session
// once both have.
func (s *Session) halfClosed(flag *bool) {
	s.mu.Lock()
	*flag = true
	both := s.clientHalf && s.agentHalf
	s.mu.Unlock()

	if both {
		s.close("", true)
	}
}

// close moves the session to CLOSED: out of the link's table, client
// socket closed, and a Close frame to the agent unless the agent already
// closed first. Effective once.
func (s *Session) close(reason string, notifyAgent bool) {
	s.doneOnce.Do(func() {
		close(s.done)
		s.link.sessions.Delete(s.id)
		_ = s.client.Close()
		if notifyAgent {
			_ = s.link.Send(protocol.NewClose(s.id, reason))
		}
	})
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:        s.id,
		AgentID:   s.link.id,
		Target:    s.target,
		BytesUp:   s.bytesUp.Load(),
		BytesDown: s.bytesDown.Load(),
		Started:   s.started,
	}
}
