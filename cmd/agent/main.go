// Package main implements the Chilsonite agent.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chilsonite/pkg/agent"
	"chilsonite/pkg/geo"
)

// Exit codes.
const (
	Success        = 0 // clean shutdown on SIGINT/SIGTERM
	ErrAgentFailed = 1 // agent terminated abnormally
)

// DefaultServerURL is used when no ws_url argument is given.
const DefaultServerURL = "ws://127.0.0.1:3005"

// init configures logging with zerolog.
func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// main parses flags, wires signal handling, and runs the agent until it
// is told to stop.
func main() {
	geoURL := flag.String("geo", geo.DefaultEndpoint, "geolocation endpoint")
	dialTimeout := flag.Duration("connect-timeout", 30*time.Second, "outbound dial timeout")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	serverURL := DefaultServerURL
	if flag.NArg() > 0 {
		serverURL = flag.Arg(0)
	}

	// Create context that is canceled on CTRL+C or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Shutting down")
		cancel()
	}()

	log.Info().Str("server", serverURL).Msg("Starting agent")

	a := agent.New(agent.Options{
		ServerURL:   serverURL,
		Geo:         geo.NewClient(*geoURL, nil),
		DialTimeout: *dialTimeout,
		Logger:      log.Logger,
	})

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Agent terminated")
		os.Exit(ErrAgentFailed)
	}
	os.Exit(Success)
}
