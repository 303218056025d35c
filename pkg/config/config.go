// Package config loads the CServer configuration from a TOML file plus
// the environment.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds everything the CServer needs at startup. The core reads
// DatabaseURL only to hand it to the token store.
type Config struct {
	WebsocketPort         uint16 `mapstructure:"websocket_port"`
	Socks5Port            uint16 `mapstructure:"socks5_port"`
	BindAddress           string `mapstructure:"bind_address"`
	ConnectTimeoutSeconds uint32 `mapstructure:"connect_timeout_seconds"`

	DatabaseURL string `mapstructure:"database_url"`
}

// Load reads the TOML file at path (default search: ./chilsonite.toml)
// and applies environment overrides. A missing or unparsable file fails
// startup.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("websocket_port", 3005)
	v.SetDefault("socks5_port", 1080)
	v.SetDefault("bind_address", "0.0.0.0")
	v.SetDefault("connect_timeout_seconds", 30)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chilsonite")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	if err := v.BindEnv("database_url", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.WebsocketPort == 0 || cfg.Socks5Port == 0 {
		return nil, fmt.Errorf("websocket_port and socks5_port must be non-zero")
	}
	if cfg.ConnectTimeoutSeconds == 0 {
		return nil, fmt.Errorf("connect_timeout_seconds must be non-zero")
	}
	return cfg, nil
}
