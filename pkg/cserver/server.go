package cserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chilsonite/pkg/config"
	"chilsonite/pkg/protocol"
	"chilsonite/pkg/registry"
	"chilsonite/pkg/token"
)

// registerDeadline bounds how long a fresh WebSocket may sit silent
// before its Register frame arrives.
const registerDeadline = 10 * time.Second

// Server is the coordinator process: one WebSocket listener for agents,
// one TCP listener for SOCKS5 clients, one registry binding them.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	tokens token.Validator
	log    zerolog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	wsLn     net.Listener
	socksLn  net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a server from its collaborators. Start must be called before
// the server does anything.
func New(cfg *config.Config, reg *registry.Registry, tokens token.Validator, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		reg:    reg,
		tokens: tokens,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens both listeners and begins serving in the background.
func (s *Server) Start() error {
	wsAddr := net.JoinHostPort(s.cfg.BindAddress, portString(s.cfg.WebsocketPort))
	wsLn, err := net.Listen("tcp", wsAddr)
	if err != nil {
		return fmt.Errorf("listen websocket %s: %w", wsAddr, err)
	}
	s.wsLn = wsLn

	socksAddr := net.JoinHostPort(s.cfg.BindAddress, portString(s.cfg.Socks5Port))
	s.socksLn, err = net.Listen("tcp", socksAddr)
	if err != nil {
		_ = wsLn.Close()
		return fmt.Errorf("listen socks5 %s: %w", socksAddr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleAgentSocket)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(wsLn); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("WebSocket server stopped")
		}
	}()
	go s.acceptSocks()

	s.log.Info().
		Str("websocket", wsAddr).
		Str("socks5", socksAddr).
		Msg("CServer started")
	return nil
}

// Stop tears everything down: listeners first, then every live link and
// its sessions.
func (s *Server) Stop() {
	s.cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	if s.socksLn != nil {
		_ = s.socksLn.Close()
	}
	for _, h := range s.reg.Snapshot() {
		h.(*AgentLink).teardown("server stopped")
	}
}

// Registry exposes the agent set, for the operator console.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Sessions snapshots every live session across all links.
func (s *Server) Sessions() []SessionInfo {
	var out []SessionInfo
	for _, h := range s.reg.Snapshot() {
		out = append(out, h.(*AgentLink).Sessions()...)
	}
	return out
}

// SocksAddr returns the bound SOCKS5 listener address.
func (s *Server) SocksAddr() net.Addr {
	if s.socksLn == nil {
		return nil
	}
	return s.socksLn.Addr()
}

// WebsocketAddr returns the bound agent endpoint address.
func (s *Server) WebsocketAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// handleAgentSocket upgrades an inbound agent connection and walks it
// through registration. The first frame must be Register; anything else
// closes the socket.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Connection closed before Register")
		_ = conn.Close()
		return
	}
	m, err := protocol.Decode(raw)
	if err != nil || m.Type != protocol.TypeRegister {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("First frame was not Register")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	agentID := registry.NewAgentID()
	link := newAgentLink(agentID, m.Metadata, conn, s.reg, s.log)
	if err := s.reg.Insert(link); err != nil {
		// A 13-char random collision is not a practical concern, but the
		// registry stays authoritative.
		s.log.Error().Err(err).Msg("Agent registration rejected")
		_ = conn.Close()
		return
	}

	if err := link.Send(protocol.NewRegistered(agentID)); err != nil {
		link.teardown("registered send failed")
		return
	}

	s.log.Info().
		Str("agent_id", agentID).
		Str("country", m.CountryCode).
		Str("public_ip", m.PublicIP).
		Str("os", m.OSName).
		Msg("Agent registered")

	link.run()
}

// acceptSocks admits SOCKS5 clients until the listener closes.
func (s *Server) acceptSocks() {
	for {
		conn, err := s.socksLn.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Error().Err(err).Msg("SOCKS5 accept failed")
			return
		}
		go s.handleSocks(conn)
	}
}
