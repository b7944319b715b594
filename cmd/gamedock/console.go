package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gamedock/gamedock/pkg/protocol"
	"github.com/gamedock/gamedock/pkg/session"
)

// runConsoleCommand attaches an interactive console to the agent: live
// console output streams to stdout, typed lines go to the game server, and
// slash commands control the server process itself.
func runConsoleCommand(args []string) int {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	agentURL := fs.String("agent-url", "", "agent WebSocket URL override")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 2
	}
	if *agentURL != "" {
		cfg.Panel.AgentURL = *agentURL
	}

	logger, err := openLogger(cfg, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening logs: %v\n", err)
		return 2
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := session.NewManager(session.Options{
		Endpoint:          cfg.Panel.AgentURL,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		CallTimeout:       cfg.Session.CallTimeout,
		Logger:            logger,
	})
	defer m.Close()

	unsubLines := m.Subscribe(protocol.EventConsoleLine, func(ev session.Event) {
		var line protocol.ConsoleLine
		if json.Unmarshal(ev.Payload, &line) == nil {
			fmt.Printf("[%s] %s\n", line.At.Format("15:04:05"), line.Line)
		}
	})
	defer unsubLines()

	unsubState := m.Subscribe(protocol.EventServerState, func(ev session.Event) {
		var st protocol.ServerState
		if json.Unmarshal(ev.Payload, &st) == nil {
			if st.Running {
				fmt.Printf("** server running (pid %d)\n", st.PID)
			} else {
				fmt.Println("** server stopped")
			}
		}
	})
	defer unsubState()

	creds := session.Credentials{
		Username: cfg.Panel.AgentUsername,
		Password: cfg.Panel.AgentPassword,
	}
	if err := m.Connect(ctx, creds); err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to agent at %s: %v\n", cfg.Panel.AgentURL, err)
		return 1
	}
	fmt.Printf("Connected to %s. Type /help for commands.\n", cfg.Panel.AgentURL)

	g, ctx := errgroup.WithContext(ctx)
	input := make(chan string)

	g.Go(func() error {
		defer close(input)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case input <- scanner.Text():
			case <-ctx.Done():
				return nil
			}
		}
		return scanner.Err()
	})

	g.Go(func() error {
		for {
			select {
			case line, ok := <-input:
				if !ok {
					return nil
				}
				if done := handleConsoleInput(ctx, m, line); done {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Console error: %v\n", err)
		return 1
	}
	return 0
}

// handleConsoleInput routes one typed line. Returns true when the session
// should end.
func handleConsoleInput(ctx context.Context, m *session.Manager, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := m.Call(ctx, protocol.MethodServerCommand, protocol.CommandParams{Line: line}, 0); err != nil {
			fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Print(`commands:
  /status       show game server state
  /start        start the game server
  /stop         stop the game server
  /logs [n]     print the last n console lines (default 50)
  /session      show the agent session status
  /quit         leave the console
anything else is sent to the game server as a console command
`)
	case "/status":
		printCall(ctx, m, protocol.MethodServerStatus, nil)
	case "/start":
		printCall(ctx, m, protocol.MethodServerStart, nil)
	case "/stop":
		printCall(ctx, m, protocol.MethodServerStop, nil)
	case "/logs":
		limit := 50
		if len(fields) > 1 {
			fmt.Sscanf(fields[1], "%d", &limit)
		}
		result, err := m.Call(ctx, protocol.MethodServerLogs, protocol.LogsParams{Limit: limit}, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logs failed: %v\n", err)
			return false
		}
		var logs protocol.LogsResult
		if json.Unmarshal(result, &logs) == nil {
			for _, l := range logs.Lines {
				fmt.Printf("[%s] %s\n", l.At.Format(time.TimeOnly), l.Line)
			}
		}
	case "/session":
		st := m.Status()
		fmt.Printf("session: %s (attempts %d)\n", st.State, st.ReconnectAttempts)
		if st.LastError != "" {
			fmt.Printf("last error: %s\n", st.LastError)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func printCall(ctx context.Context, m *session.Manager, method string, params any) {
	result, err := m.Call(ctx, method, params, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", method, err)
		return
	}
	fmt.Println(string(result))
}
