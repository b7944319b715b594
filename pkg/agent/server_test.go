package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/protocol"
	"github.com/gamedock/gamedock/pkg/session"
)

func startTestAgent(t *testing.T, mutate func(*config.AgentConfig)) (*Server, string) {
	t.Helper()
	cfg := config.AgentConfig{
		Bind:            "127.0.0.1:0",
		Username:        "admin",
		Password:        "hunter2",
		DataDir:         t.TempDir(),
		MetricsInterval: time.Hour,
		Server: config.ServerConfig{
			Command:        "/bin/sh",
			Args:           []string{"-c", "echo booted; read line"},
			ConsoleHistory: 100,
		},
	}
	cfg.Server.WorkDir = cfg.DataDir
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialSession(t *testing.T, url string, creds session.Credentials) *session.Manager {
	t.Helper()
	m := session.NewManager(session.Options{
		Endpoint:             url,
		HeartbeatInterval:    time.Hour,
		MaxReconnectAttempts: 1,
		CallTimeout:          5 * time.Second,
	})
	t.Cleanup(m.Close)
	if err := m.Connect(context.Background(), creds); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m
}

func TestAgentSessionRoundTrip(t *testing.T) {
	requireUnix(t)
	_, url := startTestAgent(t, nil)
	m := dialSession(t, url, session.Credentials{Username: "admin", Password: "hunter2"})

	result, err := m.Call(context.Background(), protocol.MethodPing, nil, time.Second)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var pong map[string]bool
	if err := json.Unmarshal(result, &pong); err != nil || !pong["pong"] {
		t.Fatalf("pong = %s, err = %v", result, err)
	}

	result, err = m.Call(context.Background(), protocol.MethodServerStatus, nil, time.Second)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st protocol.ServerState
	if err := json.Unmarshal(result, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Running {
		t.Fatal("server should not be running yet")
	}
}

func TestAgentRejectsBadCredentials(t *testing.T) {
	requireUnix(t)
	_, url := startTestAgent(t, nil)

	m := session.NewManager(session.Options{
		Endpoint:             url,
		MaxReconnectAttempts: 1,
	})
	t.Cleanup(m.Close)
	err := m.Connect(context.Background(), session.Credentials{Username: "admin", Password: "wrong"})
	if !errors.Is(err, session.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAgentServerLifecycleOverSession(t *testing.T) {
	requireUnix(t)
	_, url := startTestAgent(t, nil)
	m := dialSession(t, url, session.Credentials{Username: "admin", Password: "hunter2"})

	consoleLines := make(chan protocol.ConsoleLine, 32)
	unsub := m.Subscribe(protocol.EventConsoleLine, func(ev session.Event) {
		var line protocol.ConsoleLine
		if json.Unmarshal(ev.Payload, &line) == nil {
			consoleLines <- line
		}
	})
	defer unsub()

	result, err := m.Call(context.Background(), protocol.MethodServerStart, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var st protocol.ServerState
	if err := json.Unmarshal(result, &st); err != nil || !st.Running {
		t.Fatalf("state after start = %s, err = %v", result, err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line := <-consoleLines:
			if line.Line == "booted" {
				goto booted
			}
		case <-deadline:
			t.Fatal("console line never pushed")
		}
	}
booted:

	result, err = m.Call(context.Background(), protocol.MethodServerLogs, protocol.LogsParams{Limit: 10}, time.Second)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	var logs protocol.LogsResult
	if err := json.Unmarshal(result, &logs); err != nil || len(logs.Lines) == 0 {
		t.Fatalf("logs = %s, err = %v", result, err)
	}

	if _, err := m.Call(context.Background(), protocol.MethodServerStop, nil, 10*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestAgentFileOpsOverSession(t *testing.T) {
	requireUnix(t)
	_, url := startTestAgent(t, nil)
	m := dialSession(t, url, session.Credentials{Username: "admin", Password: "hunter2"})

	write := protocol.FileWriteParams{Path: "server.cfg", Content: []byte("hostname gamedock\n")}
	if _, err := m.Call(context.Background(), protocol.MethodFileWrite, write, time.Second); err != nil {
		t.Fatalf("file.write: %v", err)
	}

	result, err := m.Call(context.Background(), protocol.MethodFileRead, protocol.FileReadParams{Path: "server.cfg"}, time.Second)
	if err != nil {
		t.Fatalf("file.read: %v", err)
	}
	var read protocol.FileReadResult
	if err := json.Unmarshal(result, &read); err != nil || string(read.Content) != "hostname gamedock\n" {
		t.Fatalf("read = %s, err = %v", result, err)
	}

	_, err = m.Call(context.Background(), protocol.MethodFileRead, protocol.FileReadParams{Path: "../escape"}, time.Second)
	if err == nil || session.KindOf(err) != session.KindRemote {
		t.Fatalf("traversal err = %v, want remote error", err)
	}
}

func TestAgentCredentialRotationClosesSessions(t *testing.T) {
	requireUnix(t)
	srv, url := startTestAgent(t, nil)
	m := dialSession(t, url, session.Credentials{Username: "admin", Password: "hunter2"})

	srv.UpdateCredentials("admin", "rotated")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := m.Status()
		if st.State == session.StateErrored {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	st := m.Status()
	if st.State != session.StateErrored {
		t.Fatalf("state = %v, want errored after policy close", st.State)
	}

	// Old credentials are rejected now; the rotated ones work.
	if err := m.Connect(context.Background(), session.Credentials{Username: "admin", Password: "hunter2"}); !errors.Is(err, session.ErrInvalidCredentials) {
		t.Fatalf("stale credentials err = %v, want ErrInvalidCredentials", err)
	}
	if err := m.Connect(context.Background(), session.Credentials{Username: "admin", Password: "rotated"}); err != nil {
		t.Fatalf("rotated credentials: %v", err)
	}
}

func TestAgentUnknownMethod(t *testing.T) {
	requireUnix(t)
	_, url := startTestAgent(t, nil)
	m := dialSession(t, url, session.Credentials{Username: "admin", Password: "hunter2"})

	_, err := m.Call(context.Background(), "bogus.method", nil, time.Second)
	if err == nil || session.KindOf(err) != session.KindRemote {
		t.Fatalf("err = %v, want remote error", err)
	}
}
