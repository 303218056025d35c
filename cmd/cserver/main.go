// Package main implements the Chilsonite coordinator.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chilsonite/pkg/config"
	"chilsonite/pkg/cserver"
	"chilsonite/pkg/registry"
	"chilsonite/pkg/token"
)

// CLI banner with version.
const banner = `
   ____ _     _ _                  _ _
  / ___| |__ (_) |___  ___  _ __  (_) |_ ___
 | |   | '_ \| | / __|/ _ \| '_ \ | | __/ _ \
 | |___| | | | | \__ \ (_) | | | || | ||  __/
  \____|_| |_|_|_|___/\___/|_| |_||_|\__\___|

   Rotating SOCKS5 proxy coordinator (v1.0)
   -----------------------------------------

`

// Global state.
var (
	server *cserver.Server
	store  *token.Store
)

// main sets up logging, the CLI, and the server lifecycle.
func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	err := app.Run()
	if server != nil {
		server.Stop()
	}
	if store != nil {
		_ = store.Close()
	}
	if err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface and starts the server
// when the app boots. Returns a configured grumble App instance.
func setupCLI() *grumble.App {
	app := grumble.New(&grumble.Config{
		Name:        "chilsonite",
		Description: "rotating SOCKS5 proxy coordinator",
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "chilsonite.toml", "path to configuration file")
			f.Bool("d", "debug", false, "enable debug logging")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		if flags.Bool("debug") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		cfg, err := config.Load(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for token validation")
		}

		store, err = token.NewStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open token store: %w", err)
		}

		server = cserver.New(cfg, registry.New(), token.NewCache(store, token.DefaultCacheTTL), log.Logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	return app
}

// AddCommands registers the operator commands: inspecting agents and
// sessions, and overall status.
func AddCommands(app *grumble.App) {
	app.AddCommand(&grumble.Command{
		Name:    "agents",
		Aliases: []string{"ls"},
		Help:    "list online agents",
		Run: func(c *grumble.Context) error {
			handles := server.Registry().Snapshot()
			if len(handles) == 0 {
				log.Info().Msg("No agents online")
				return nil
			}
			sort.Slice(handles, func(i, j int) bool {
				return handles[i].AttachedAt().Before(handles[j].AttachedAt())
			})
			c.App.Println(renderAgentTable(handles))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "sessions",
		Aliases: []string{"ss"},
		Help:    "list live sessions",
		Run: func(c *grumble.Context) error {
			sessions := server.Sessions()
			if len(sessions) == 0 {
				log.Info().Msg("No live sessions")
				return nil
			}
			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].Started.Before(sessions[j].Started)
			})
			c.App.Println(renderSessionTable(sessions))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "status",
		Help: "show listener addresses and counts",
		Run: func(c *grumble.Context) error {
			log.Info().
				Stringer("websocket", server.WebsocketAddr()).
				Stringer("socks5", server.SocksAddr()).
				Int("agents", server.Registry().Len()).
				Int("sessions", len(server.Sessions())).
				Msg("Status")
			return nil
		},
	})
}

// renderAgentTable formats the online agent set for the console.
func renderAgentTable(handles []registry.Handle) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Agent ID",
		"Country",
		"City",
		"Region",
		"Public IP",
		"ASN",
		"ASN org",
		"OS",
		"Host",
		"User",
		"Connected",
	})

	for _, h := range handles {
		meta := h.Meta()
		t.AppendRow(table.Row{
			h.ID(),
			meta.CountryCode,
			meta.City,
			meta.Region,
			meta.PublicIP,
			meta.ASN,
			meta.ASNOrg,
			strings.TrimSpace(meta.OSName + " " + meta.OSVersion),
			meta.Hostname,
			meta.Username,
			h.AttachedAt().Format("2006-01-02 15:04:05"),
		})
	}

	return t.Render()
}

// renderSessionTable formats the live session set for the console.
func renderSessionTable(sessions []cserver.SessionInfo) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Session ID",
		"Agent ID",
		"Target",
		"Bytes up",
		"Bytes down",
		"Age",
	})

	for _, s := range sessions {
		t.AppendRow(table.Row{
			s.ID,
			s.AgentID,
			s.Target,
			s.BytesUp,
			s.BytesDown,
			time.Since(s.Started).Round(time.Second),
		})
	}

	return t.Render()
}
