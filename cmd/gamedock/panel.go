package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/logging"
	"github.com/gamedock/gamedock/pkg/panel"
)

func runPanelCommand(args []string) int {
	fs := flag.NewFlagSet("panel", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	bind := fs.String("bind", "", "listen address override")
	agentURL := fs.String("agent-url", "", "agent WebSocket URL override")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 2
	}
	if *bind != "" {
		cfg.Panel.Bind = *bind
	}
	if *agentURL != "" {
		cfg.Panel.AgentURL = *agentURL
	}
	printWarnings(cfg)

	logger, err := openLogger(cfg, "panel")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening logs: %v\n", err)
		return 2
	}
	defer logger.Close()

	srv, err := panel.NewServer(cfg.Panel, cfg.Session, config.BusConfig{
		URL:  cfg.Bus.URL,
		Name: cfg.Bus.Name,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting panel: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(logging.CategoryPanel, "panel_starting", "panel starting", map[string]any{
		"version":   version,
		"bind":      cfg.Panel.Bind,
		"agent_url": cfg.Panel.AgentURL,
	})
	fmt.Printf("gamedock panel listening on %s (agent %s)\n", cfg.Panel.Bind, cfg.Panel.AgentURL)

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Panel exited with error: %v\n", err)
		return 1
	}
	return 0
}
