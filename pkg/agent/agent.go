// Package agent implements the proxy node: it keeps one WebSocket link to
// the CServer, opens outbound TCP connections on request, and relays
// session bytes back in chunks.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chilsonite/pkg/geo"
	"chilsonite/pkg/protocol"
)

// Reconnect backoff: 1 s doubling up to 60 s, forever.
const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
)

const (
	handshakeTimeout = 15 * time.Second
	// readIdleLimit is how long the link may stay silent before the agent
	// assumes the server is gone. The server pings every 10 s, so a
	// healthy link never comes close.
	readIdleLimit = 90 * time.Second
)

// Options configure an agent.
type Options struct {
	// ServerURL is the CServer WebSocket endpoint.
	ServerURL string

	// Geo resolves the agent's public address and location. Required.
	Geo *geo.Client

	// DialTimeout bounds each outbound TCP dial.
	DialTimeout time.Duration

	// AllowPrivateTargets disables the guard that refuses connects into
	// private and loopback address space. Meant for tests and closed
	// deployments only.
	AllowPrivateTargets bool

	// Logger receives all agent events.
	Logger zerolog.Logger
}

// Agent is the long-running proxy node process.
type Agent struct {
	opts Options
	meta *protocol.Metadata // gathered once, reused across reconnects
}

// New creates an agent. Run does the actual work.
func New(opts Options) *Agent {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &Agent{opts: opts}
}

// Run keeps the agent attached to the CServer until ctx is canceled,
// reconnecting with exponential backoff after every link loss. Each
// reconnect yields a fresh agent ID; the old one is forgotten.
func (a *Agent) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		start := time.Now()
		err := a.runLink(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.opts.Logger.Warn().Err(err).Msg("Link lost, reconnecting")

		// A link that lived a while earns a fresh backoff.
		if time.Since(start) > backoffMax {
			backoff = backoffInitial
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// runLink lives for exactly one connection to the CServer: gather
// metadata, register, then serve until the link drops.
func (a *Agent) runLink(ctx context.Context) error {
	meta, err := a.metadata(ctx)
	if err != nil {
		return fmt.Errorf("gather metadata: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.opts.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.opts.ServerURL, err)
	}

	link := newServerLink(conn, a.opts.DialTimeout, a.opts.AllowPrivateTargets, a.opts.Logger)
	defer link.teardown()

	if err := link.register(meta); err != nil {
		return err
	}

	// Close the socket when the process shuts down so the read loop
	// unblocks promptly.
	stop := context.AfterFunc(ctx, link.teardown)
	defer stop()

	return link.serve()
}

// metadata resolves the agent's public address and host facts, once.
func (a *Agent) metadata(ctx context.Context) (protocol.Metadata, error) {
	if a.meta != nil {
		return *a.meta, nil
	}

	info, err := a.opts.Geo.Lookup(ctx)
	if err != nil {
		return protocol.Metadata{}, err
	}

	meta := hostMetadata()
	meta.PublicIP = info.IP
	meta.CountryCode = info.CountryISO
	meta.City = info.City
	meta.Region = info.Region
	meta.ASN = info.ASN
	meta.ASNOrg = info.ASNOrg

	a.opts.Logger.Info().
		Str("public_ip", meta.PublicIP).
		Str("country", meta.CountryCode).
		Str("os", meta.OSName).
		Msg("Agent metadata resolved")

	a.meta = &meta
	return meta, nil
}
