package cserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"

	"chilsonite/pkg/registry"
	"chilsonite/pkg/socks"
)

// handshakeDeadline bounds the SOCKS5 exchange from accept until the
// request is parsed; the agent dial that follows has its own budget.
const handshakeDeadline = 10 * time.Second

// handleSocks runs one client from greeting to session teardown.
func (s *Server) handleSocks(conn net.Conn) {
	defer conn.Close()

	log := s.log.With().Str("client", conn.RemoteAddr().String()).Logger()
	_ = conn.SetDeadline(time.Now().Add(handshakeDeadline))

	br := bufio.NewReader(conn)

	policy, err := s.greetAndAuthenticate(conn, br)
	if err != nil {
		log.Warn().Err(err).Msg("SOCKS5 handshake rejected")
		return
	}

	host, port, err := s.readConnectRequest(conn, br)
	if err != nil {
		log.Warn().Err(err).Msg("SOCKS5 request rejected")
		return
	}
	target := net.JoinHostPort(host, portString(port))
	log = log.With().Str("target", target).Logger()

	handle, ok := s.selectAgent(policy)
	if !ok {
		log.Warn().Msg("No agent matches selection policy")
		_, _ = conn.Write(socks.Reply(socks.HostUnreachable))
		return
	}
	link := handle.(*AgentLink)

	sessionID := uuid.Must(uuid.NewV7()).String()
	log = log.With().Str("session_id", sessionID).Str("agent_id", link.ID()).Logger()

	// The session enters the table before Connect goes out so that Data
	// arriving on the heels of the ConnectResult has somewhere to land.
	sess := newSession(sessionID, link, conn, br, target)
	link.sessions.Store(sessionID, sess)

	// The handshake deadline has done its job once the request is parsed;
	// from here the budget is the agent dial plus the reply write.
	timeout := time.Duration(s.cfg.ConnectTimeoutSeconds) * time.Second
	_ = conn.SetDeadline(time.Now().Add(timeout + 5*time.Second))

	if err := link.dialTarget(s.ctx, sessionID, host, port, timeout); err != nil {
		link.sessions.Delete(sessionID)
		log.Warn().Err(err).Msg("Agent dial failed")
		_, _ = conn.Write(socks.Reply(socks.ConnectionRefused))
		return
	}

	if _, err := conn.Write(socks.Reply(socks.Succeeded)); err != nil {
		sess.close("client write failed", true)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	log.Info().Msg("Session open")
	sess.Run()
	log.Info().
		Uint64("bytes_up", sess.bytesUp.Load()).
		Uint64("bytes_down", sess.bytesDown.Load()).
		Msg("Session closed")
}

// greetAndAuthenticate negotiates the method, parses the selection policy
// out of the username, and validates the token. No Connect is ever issued
// for a request that fails here.
func (s *Server) greetAndAuthenticate(conn net.Conn, br *bufio.Reader) (socks.Policy, error) {
	var header [2]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return socks.Policy{}, err
	}
	if header[0] != socks.Version5 {
		return socks.Policy{}, errUnsupportedVersion(header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(br, methods); err != nil {
		return socks.Policy{}, err
	}
	if !slices.Contains(methods, socks.UsernamePassword) {
		_, _ = conn.Write([]byte{socks.Version5, socks.NoAcceptableMethods})
		return socks.Policy{}, errNoAcceptableMethod
	}
	if _, err := conn.Write([]byte{socks.Version5, socks.UsernamePassword}); err != nil {
		return socks.Policy{}, err
	}

	// RFC 1929 sub-negotiation.
	var authHeader [2]byte
	if _, err := io.ReadFull(br, authHeader[:]); err != nil {
		return socks.Policy{}, err
	}
	if authHeader[0] != socks.AuthVersion {
		return socks.Policy{}, errBadAuthVersion(authHeader[0])
	}
	username := make([]byte, authHeader[1])
	if _, err := io.ReadFull(br, username); err != nil {
		return socks.Policy{}, err
	}
	var plen [1]byte
	if _, err := io.ReadFull(br, plen[:]); err != nil {
		return socks.Policy{}, err
	}
	password := make([]byte, plen[0])
	if _, err := io.ReadFull(br, password); err != nil {
		return socks.Policy{}, err
	}

	policy, err := socks.ParsePolicy(string(username))
	if err != nil {
		_, _ = conn.Write([]byte{socks.AuthVersion, socks.AuthFailed})
		return socks.Policy{}, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, handshakeDeadline)
	defer cancel()
	if _, err := s.tokens.Validate(ctx, string(password)); err != nil {
		_, _ = conn.Write([]byte{socks.AuthVersion, socks.AuthFailed})
		return socks.Policy{}, err
	}

	if _, err := conn.Write([]byte{socks.AuthVersion, socks.AuthSucceeded}); err != nil {
		return socks.Policy{}, err
	}
	return policy, nil
}

// readConnectRequest parses the request line and returns the target.
// Only CONNECT is served.
func (s *Server) readConnectRequest(conn net.Conn, br *bufio.Reader) (string, uint16, error) {
	var header [3]byte // VER, CMD, RSV; ATYP is read by ReadAddress
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return "", 0, err
	}
	if header[0] != socks.Version5 {
		return "", 0, errUnsupportedVersion(header[0])
	}
	if header[1] != socks.Connect {
		_, _ = conn.Write(socks.Reply(socks.CommandNotSupported))
		return "", 0, errUnsupportedCommand(header[1])
	}

	host, port, err := socks.ReadAddress(br)
	if err != nil {
		_, _ = conn.Write(socks.Reply(socks.AddressTypeNotSupported))
		return "", 0, err
	}
	return host, port, nil
}

// selectAgent applies the policy against the registry.
func (s *Server) selectAgent(policy socks.Policy) (registry.Handle, bool) {
	if policy.ByCountry() {
		return s.reg.PickByCountries(policy.Countries)
	}
	return s.reg.GetByID(policy.AgentID)
}
