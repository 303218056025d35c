package agent

import (
	"context"
	"net"
	"sync"

	"chilsonite/pkg/protocol"
)

// outbound is one target TCP connection hosted for a session.
type outbound struct {
	conn      net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (o *outbound) close() {
	o.closeOnce.Do(func() {
		close(o.closed)
		_ = o.conn.Close()
	})
}

// closeWrite half-closes the target socket: the server told us the client
// will send no more data, but the target may keep talking.
func (o *outbound) closeWrite() {
	if cw, ok := o.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// handleConnect dials the requested target and reports the outcome. On
// success the socket joins the session table before the result goes out,
// so Data frames can never race past their session.
func (l *serverLink) handleConnect(m protocol.Message) {
	log := l.log.With().Str("session_id", m.SessionID).Str("host", m.Host).Uint16("port", m.Port).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), l.dialTimeout)
	defer cancel()

	addr, err := resolveTarget(ctx, m.Host, l.allowPrivate)
	if err != nil {
		log.Warn().Err(err).Msg("Refusing connect")
		_ = l.Send(protocol.NewConnectFailed(m.SessionID, err.Error()))
		return
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, portString(m.Port)))
	if err != nil {
		log.Warn().Err(err).Msg("Outbound dial failed")
		_ = l.Send(protocol.NewConnectFailed(m.SessionID, err.Error()))
		return
	}

	o := &outbound{conn: conn, closed: make(chan struct{})}
	l.sessions.Store(m.SessionID, o)

	if err := l.Send(protocol.NewConnectOK(m.SessionID, conn.LocalAddr().String())); err != nil {
		l.sessions.Delete(m.SessionID)
		o.close()
		return
	}

	log.Info().Str("bound", conn.LocalAddr().String()).Msg("Outbound connection established")
	go l.readTarget(m.SessionID, o)
}

// handleData writes a chunk from the client into the target socket.
func (l *serverLink) handleData(m protocol.Message) {
	value, ok := l.sessions.Load(m.SessionID)
	if !ok {
		_ = l.Send(protocol.NewClose(m.SessionID, protocol.ErrNoSession.Error()))
		return
	}
	o := value.(*outbound)

	payload, err := m.Payload()
	if err != nil {
		l.log.Warn().Err(err).Str("session_id", m.SessionID).Msg("Dropping undecodable chunk")
		return
	}
	if _, err := o.conn.Write(payload); err != nil {
		select {
		case <-o.closed:
			// Session already torn down; the write failure is expected.
		default:
			l.log.Warn().Err(err).Str("session_id", m.SessionID).Msg("Target write failed")
			l.sessions.Delete(m.SessionID)
			o.close()
			_ = l.Send(protocol.NewClose(m.SessionID, "target write failed"))
		}
	}
}

// readTarget chunks everything the target sends into Data frames. Target
// EOF half-closes the session toward the server; any other error aborts
// it.
func (l *serverLink) readTarget(sessionID string, o *outbound) {
	buf := make([]byte, protocol.ChunkSize)
	var seq uint64

	for {
		n, err := o.conn.Read(buf)
		if n > 0 {
			seq++
			if sendErr := l.Send(protocol.NewData(sessionID, seq, buf[:n])); sendErr != nil {
				o.close()
				return
			}
		}
		if err != nil {
			select {
			case <-o.closed:
				return
			default:
			}
			if isEOF(err) {
				_ = l.Send(protocol.NewCloseWrite(sessionID))
				// The socket stays in the table: the client may still be
				// sending, and the server's Close will finish the job.
				return
			}
			l.sessions.Delete(sessionID)
			o.close()
			_ = l.Send(protocol.NewClose(sessionID, err.Error()))
			return
		}
	}
}
