//go:build linux

// Command shrike runs a single-loop HTTP/1.1 server that serves static
// files and CGI scripts according to a TOML configuration file.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/pkorzh/shrike/internal/config"
	"github.com/pkorzh/shrike/internal/engine"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	listen := flag.String("listen", "", "override the configured listen address")
	logPretty := flag.Bool("log-pretty", false, "console log output instead of JSON")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "shrike:", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "shrike:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log, *logPretty)

	e, err := engine.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	defer e.Close()

	if err := e.Run(); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if pretty || cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
