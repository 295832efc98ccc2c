// waplex runs the multi-tenant session manager: it restores the sessions owned by this
// node, keeps them connected through the protocol sidecar and serves ops endpoints.
//
// Configuration is layered: WAPLEX_* environment variables, then the optional --config
// YAML file, then any flag given explicitly on the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"waplex/cmd/internal/app"

	"github.com/spf13/pflag"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := app.Run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(args []string) (app.Config, error) {
	cfg := app.LoadConfig()

	var (
		configPath string
		fromFlags  app.Config
	)
	fs := pflag.NewFlagSet("waplex", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file overlaid on WAPLEX_* environment variables")
	fs.StringVar(&fromFlags.HTTPAddr, "http-addr", cfg.HTTPAddr, "ops HTTP listen address")
	fs.StringVar(&fromFlags.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&fromFlags.LogFormat, "log-format", cfg.LogFormat, "json or pretty")
	fs.StringVar(&fromFlags.SessionsDir, "sessions-dir", cfg.SessionsDir, "directory holding one credential directory per session")
	fs.StringVar(&fromFlags.BridgeURL, "bridge-url", cfg.BridgeURL, "protocol sidecar WebSocket URL")
	fs.StringVar(&fromFlags.DatabaseURL, "database-url", "", "Postgres URL for durable session rows (empty disables)")
	fs.StringVar(&fromFlags.RedisURL, "redis-url", "", "Redis URL for the metadata cache (empty disables)")
	fs.StringVar(&fromFlags.NodeID, "node-id", cfg.NodeID, "identity of this node in the durable store")
	fs.DurationVar(&fromFlags.ReapTimeout, "reap-timeout", cfg.ReapTimeout, "how long a session may stay unauthenticated")
	fs.BoolVar(&fromFlags.RequireArchiveEncryption, "require-archive-encryption", cfg.RequireArchiveEncryption, "refuse to start without age keys")

	if err := fs.Parse(args); err != nil {
		return app.Config{}, err
	}
	if fs.NArg() > 0 {
		return app.Config{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	if configPath != "" {
		if err := app.LoadConfigFile(configPath, &cfg); err != nil {
			return app.Config{}, err
		}
	}

	// Only flags given explicitly beat the file.
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.HTTPAddr = fromFlags.HTTPAddr
		case "log-level":
			cfg.LogLevel = fromFlags.LogLevel
		case "log-format":
			cfg.LogFormat = fromFlags.LogFormat
		case "sessions-dir":
			cfg.SessionsDir = fromFlags.SessionsDir
		case "bridge-url":
			cfg.BridgeURL = fromFlags.BridgeURL
		case "database-url":
			cfg.DatabaseURL = fromFlags.DatabaseURL
		case "redis-url":
			cfg.RedisURL = fromFlags.RedisURL
		case "node-id":
			cfg.NodeID = fromFlags.NodeID
		case "reap-timeout":
			cfg.ReapTimeout = fromFlags.ReapTimeout
		case "require-archive-encryption":
			cfg.RequireArchiveEncryption = fromFlags.RequireArchiveEncryption
		}
	})

	return cfg, nil
}
