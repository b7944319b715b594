package main

import (
	"fmt"
	"os"

	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/logging"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		printVersion()
	case "--help", "-h", "help":
		printHelp()
	case "agent":
		os.Exit(runAgentCommand(os.Args[2:]))
	case "panel":
		os.Exit(runPanelCommand(os.Args[2:]))
	case "console":
		os.Exit(runConsoleCommand(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("gamedock %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printHelp() {
	fmt.Print(`gamedock - game server administration

Usage:
  gamedock agent   [--config path]    run the host agent next to the game server
  gamedock panel   [--config path]    run the web dashboard
  gamedock console [--config path]    attach an interactive console to the agent
  gamedock version                    print version information

Configuration is read from ~/.gamedock/config.yaml or ./gamedock.yaml,
with GAMEDOCK_* environment variables taking precedence.
`)
}

// loadConfig resolves the effective configuration for a subcommand.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// openLogger builds the JSONL logger named after the running subcommand.
// File logging is optional; a nil logger discards events.
func openLogger(cfg *config.Config, name string) (*logging.Logger, error) {
	if cfg.Logging.Dir == "" {
		return nil, nil
	}
	logger, err := logging.NewLogger(cfg.Logging.Dir, name)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}
	return logger, nil
}

func printWarnings(cfg *config.Config) {
	for _, warning := range cfg.ValidationWarnings() {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
}
