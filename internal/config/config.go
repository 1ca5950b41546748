// Package config loads hyper-pi's configuration: CLI flags own the values
// SPEC_FULL.md assigns to the CLI (port, node TTL), while ambient operational
// knobs load from the environment the way the teacher's LoadConfig does,
// with an optional .env file for local development.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the environment-sourced configuration.
type Env struct {
	Token       string `env:"HYPI_TOKEN" envDefault:""`
	MetricsAddr string `env:"HYPI_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"HYPI_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"HYPI_LOG_FORMAT" envDefault:"json"`
}

// Config is the fully resolved configuration for one run of the process.
type Config struct {
	Env

	Port    uint16
	NodeTTL uint
}

const (
	defaultPort    = 31415
	defaultNodeTTL = 30
)

// Load parses CLI flags and environment variables into a Config. It
// returns (nil, false) when --help or --version was requested and already
// printed its output — the caller should exit 0 without starting anything.
func Load(args []string, version string) (*Config, bool, error) {
	fs := flag.NewFlagSet("hypivisor", flag.ContinueOnError)
	port := fs.Uint("port", defaultPort, "listen port on 0.0.0.0")
	fs.UintVar(port, "p", defaultPort, "listen port on 0.0.0.0 (shorthand)")
	ttl := fs.Uint("node-ttl", defaultNodeTTL, "base staleness TTL in seconds")
	fs.UintVar(ttl, "t", defaultNodeTTL, "base staleness TTL in seconds (shorthand)")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, false, nil
		}
		return nil, false, err
	}
	if *showVersion {
		fmt.Println(version)
		return nil, false, nil
	}

	// .env is a convenience for local development; a missing file is not
	// an error, mirroring the teacher's LoadConfig.
	_ = godotenv.Load()

	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, false, fmt.Errorf("failed to parse environment: %w", err)
	}
	if e.Token == "" {
		fmt.Fprintln(os.Stderr, "warning: HYPI_TOKEN is unset; authentication is disabled")
	}

	cfg := &Config{
		Env:     e,
		Port:    uint16(*port),
		NodeTTL: *ttl,
	}
	return cfg, true, nil
}
