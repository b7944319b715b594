package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamedock/gamedock/pkg/agent"
	"github.com/gamedock/gamedock/pkg/logging"
)

func runAgentCommand(args []string) int {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	bind := fs.String("bind", "", "listen address override")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 2
	}
	if *bind != "" {
		cfg.Agent.Bind = *bind
	}
	printWarnings(cfg)

	logger, err := openLogger(cfg, "agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening logs: %v\n", err)
		return 2
	}
	defer logger.Close()

	agent.Version = version

	srv, err := agent.NewServer(cfg.Agent, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting agent: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(logging.CategoryServer, "agent_starting", "agent starting", map[string]any{
		"version": version,
		"bind":    cfg.Agent.Bind,
	})
	fmt.Printf("gamedock agent listening on %s\n", cfg.Agent.Bind)

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Agent exited with error: %v\n", err)
		return 1
	}
	return 0
}
