package cserver_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chilsonite/pkg/agent"
	"chilsonite/pkg/config"
	"chilsonite/pkg/cserver"
	"chilsonite/pkg/geo"
	"chilsonite/pkg/registry"
	"chilsonite/pkg/token"
)

// validTok is the only token the test validator accepts.
const validTok = "valid_tok"

func testValidator() token.Validator {
	userID := uuid.New()
	return token.ValidatorFunc(func(ctx context.Context, tok string) (uuid.UUID, error) {
		if tok == validTok {
			return userID, nil
		}
		return uuid.Nil, token.ErrNotFound
	})
}

func startServer(t *testing.T) (*cserver.Server, *registry.Registry) {
	t.Helper()

	cfg := &config.Config{
		BindAddress:           "127.0.0.1",
		WebsocketPort:         0,
		Socks5Port:            0,
		ConnectTimeoutSeconds: 5,
	}
	reg := registry.New()
	srv := cserver.New(cfg, reg, testValidator(), zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, reg
}

// startAgent runs an in-process agent reporting the given country and
// returns its cancel func.
func startAgent(t *testing.T, srv *cserver.Server, country string) context.CancelFunc {
	t.Helper()

	geoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"ip":"203.0.113.7","country_iso":%q,"city":"Testville","region_name":"Test","asn":"AS64496","asn_org":"Example"}`, country)
	}))
	t.Cleanup(geoSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	a := agent.New(agent.Options{
		ServerURL:           "ws://" + srv.WebsocketAddr().String(),
		Geo:                 geo.NewClient(geoSrv.URL, geoSrv.Client()),
		DialTimeout:         5 * time.Second,
		AllowPrivateTargets: true,
		Logger:              zerolog.Nop(),
	})
	go func() { _ = a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel
}

func waitForAgents(t *testing.T, reg *registry.Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for reg.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d registered agents, have %d", n, reg.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// startEcho runs a TCP server that copies its input back and closes the
// connection once the client has half-closed.
func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(conn, conn)
				_ = conn.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

// greetAndAuth performs the method negotiation and RFC 1929 exchange,
// returning the auth status byte.
func greetAndAuth(t *testing.T, conn net.Conn, username, password string) byte {
	t.Helper()

	_, err := conn.Write([]byte{0x05, 0x01, 0x02})
	require.NoError(t, err)
	method := readN(t, conn, 2)
	require.Equal(t, []byte{0x05, 0x02}, method)

	req := []byte{0x01, byte(len(username))}
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	_, err = conn.Write(req)
	require.NoError(t, err)

	status := readN(t, conn, 2)
	require.Equal(t, byte(0x01), status[0])
	return status[1]
}

// connectIPv4 issues a CONNECT for an IPv4 target and returns the reply
// code.
func connectIPv4(t *testing.T, conn net.Conn, addr *net.TCPAddr) byte {
	t.Helper()

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, addr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(addr.Port))
	_, err := conn.Write(req)
	require.NoError(t, err)

	reply := readN(t, conn, 10)
	require.Equal(t, byte(0x05), reply[0])
	return reply[1]
}

func dialSocks(t *testing.T, srv *cserver.Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.SocksAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEndToEndByAgentID(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)
	agentID := reg.Snapshot()[0].ID()

	echo := startEcho(t)

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "agent_"+agentID, validTok))
	require.Equal(t, byte(0x00), connectIPv4(t, conn, echo))

	payload := []byte("hello through the tunnel")
	_, err := conn.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, readN(t, conn, len(payload)))

	// Client half-close propagates to the echo server, which closes; the
	// session must fully unwind and leave the link's table promptly.
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)

	deadline := time.Now().Add(time.Second)
	for len(srv.Sessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still tracked after close: %+v", srv.Sessions())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBytePreservationLargeTransfer(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)

	echo := startEcho(t)

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "country_JP", validTok))
	require.Equal(t, byte(0x00), connectIPv4(t, conn, echo))

	// Several megabytes, larger than any in-flight buffer, so the
	// backpressure path is exercised and ordering is observable.
	payload := make([]byte, 5<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		_, _ = conn.Write(payload)
		_ = conn.(*net.TCPConn).CloseWrite()
	}()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "echoed bytes differ from sent bytes")
}

func TestCountrySelectionSpreadsLoad(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	startAgent(t, srv, "US")
	waitForAgents(t, reg, 2)

	echo := startEcho(t)

	counts := map[string]int{}
	for i := 0; i < 60; i++ {
		conn := dialSocks(t, srv)
		require.Equal(t, byte(0x00), greetAndAuth(t, conn, "country_JPUS", validTok))
		require.Equal(t, byte(0x00), connectIPv4(t, conn, echo))

		sessions := srv.Sessions()
		require.Len(t, sessions, 1)
		counts[sessions[0].AgentID]++

		require.NoError(t, conn.(*net.TCPConn).CloseWrite())
		_, _ = conn.Read(make([]byte, 1))
		deadline := time.Now().Add(time.Second)
		for len(srv.Sessions()) != 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}

	require.Len(t, counts, 2, "one agent was starved: %v", counts)
	for id, n := range counts {
		assert.Greater(t, n, 6, "agent %s under 10%% of picks", id)
	}
}

func TestPolicyMiss(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)

	echo := startEcho(t)

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "country_DE", validTok))
	assert.Equal(t, byte(0x04), connectIPv4(t, conn, echo))
	assert.Empty(t, srv.Sessions())
}

func TestUnknownAgentID(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)

	echo := startEcho(t)

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "agent_zzzzzzzzzzzzz", validTok))
	assert.Equal(t, byte(0x04), connectIPv4(t, conn, echo))
}

func TestAuthFailureInvalidToken(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)
	agentID := reg.Snapshot()[0].ID()

	conn := dialSocks(t, srv)
	assert.Equal(t, byte(0x01), greetAndAuth(t, conn, "agent_"+agentID, "wrong_tok"))

	// The server closes the socket; no session was ever opened, so no
	// Connect can have reached the agent.
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, srv.Sessions())
}

func TestAuthFailureMalformedUsername(t *testing.T) {
	srv, _ := startServer(t)

	for _, username := range []string{"nobody", "country_JPX", "country_J1"} {
		conn := dialSocks(t, srv)
		assert.Equal(t, byte(0x01), greetAndAuth(t, conn, username, validTok), "username %q", username)
	}
}

func TestNoAcceptableMethod(t *testing.T) {
	srv, _ := startServer(t)

	conn := dialSocks(t, srv)
	_, err := conn.Write([]byte{0x05, 0x01, 0x00}) // NoAuth only
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0xFF}, readN(t, conn, 2))
}

func TestCommandNotSupported(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)

	echo := startEcho(t)

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "country_JP", validTok))

	req := []byte{0x05, 0x02, 0x00, 0x01} // BIND
	req = append(req, echo.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(echo.Port))
	_, err := conn.Write(req)
	require.NoError(t, err)

	reply := readN(t, conn, 10)
	assert.Equal(t, byte(0x07), reply[1])
}

func TestDialFailure(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)

	// A listener that is closed immediately: the port is free again, so
	// the agent's dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "country_JP", validTok))
	assert.Equal(t, byte(0x05), connectIPv4(t, conn, deadAddr))
	assert.Empty(t, srv.Sessions())
}

func TestAgentDisconnectAbortsSessions(t *testing.T) {
	srv, reg := startServer(t)
	cancelAgent := startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)

	echo := startEcho(t)

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "country_JP", validTok))
	require.Equal(t, byte(0x00), connectIPv4(t, conn, echo))

	payload := []byte("still alive")
	_, err := conn.Write(payload)
	require.NoError(t, err)
	require.Equal(t, payload, readN(t, conn, len(payload)))

	// Kill the agent's link. Every session it owned must abort and the
	// client socket must close within a second.
	cancelAgent()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	deadline := time.Now().Add(time.Second)
	for reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, srv.Sessions())
}

func TestHalfCloseTargetKeepsSending(t *testing.T) {
	srv, reg := startServer(t)
	startAgent(t, srv, "JP")
	waitForAgents(t, reg, 1)

	// A target that consumes its input until EOF, then sends a large
	// body and closes. The client's half-close must reach it as EOF
	// while the return path stays open.
	body := make([]byte, 5<<20)
	_, err := rand.Read(body)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn) // returns once the client EOF arrives
		_, _ = conn.Write(body)
		_ = conn.Close()
	}()

	conn := dialSocks(t, srv)
	require.Equal(t, byte(0x00), greetAndAuth(t, conn, "country_JP", validTok))
	require.Equal(t, byte(0x00), connectIPv4(t, conn, ln.Addr().(*net.TCPAddr)))

	_, err = conn.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, got), "body diverged after half-close")
}
