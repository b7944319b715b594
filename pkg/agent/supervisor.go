package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/logging"
	"github.com/gamedock/gamedock/pkg/protocol"
)

var (
	// ErrAlreadyRunning is returned when starting a server that is up.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrNotRunning is returned when acting on a stopped server.
	ErrNotRunning = errors.New("server not running")
)

// Supervisor owns the game-server process: it launches it, captures its
// console, relays stdin commands, and reports its state.
type Supervisor struct {
	cfg     config.ServerConfig
	logger  *logging.Logger
	console *ConsoleBuffer

	// publish receives every console line and state change for broadcast.
	publishLine  func(protocol.ConsoleLine)
	publishState func(protocol.ServerState)

	mu        sync.Mutex
	running   bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time
	exitCode  *int
	waitDone  chan struct{}
}

// NewSupervisor builds a supervisor for the configured server command.
func NewSupervisor(cfg config.ServerConfig, logger *logging.Logger) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		logger:       logger,
		console:      NewConsoleBuffer(cfg.ConsoleHistory),
		publishLine:  func(protocol.ConsoleLine) {},
		publishState: func(protocol.ServerState) {},
	}
	return s
}

// OnConsoleLine registers the console broadcast sink. Must be set before Start.
func (s *Supervisor) OnConsoleLine(fn func(protocol.ConsoleLine)) {
	s.publishLine = fn
}

// OnStateChange registers the state broadcast sink. Must be set before Start.
func (s *Supervisor) OnStateChange(fn func(protocol.ServerState)) {
	s.publishState = fn
}

// Console exposes the replay buffer.
func (s *Supervisor) Console() *ConsoleBuffer {
	return s.console
}

// State reports the current process state.
func (s *Supervisor) State() protocol.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Supervisor) stateLocked() protocol.ServerState {
	st := protocol.ServerState{
		Running:  s.running,
		ExitCode: s.exitCode,
	}
	if s.running && s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.StartedAt = s.startedAt
	}
	return st
}

// Start launches the configured server binary and begins streaming its
// stdout and stderr into the console buffer.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if s.cfg.Command == "" {
		return errors.New("no server command configured")
	}

	workDir := s.cfg.WorkDir
	if workDir == "" {
		workDir = "."
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return err
	}
	binary := s.cfg.Command
	if !filepath.IsAbs(binary) {
		if candidate := filepath.Join(workDir, binary); fileExists(candidate) {
			binary = candidate
		}
	}

	cmd := exec.Command(binary, s.cfg.Args...)
	cmd.Dir = workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", binary, err)
	}

	s.running = true
	s.cmd = cmd
	s.stdin = stdin
	s.startedAt = time.Now()
	s.exitCode = nil
	s.waitDone = make(chan struct{})
	st := s.stateLocked()

	// Wait must not run until both pipes are drained, or trailing output
	// is lost when Wait closes them.
	var streams sync.WaitGroup
	streams.Add(2)
	go s.streamToConsole(stdout, "stdout", &streams)
	go s.streamToConsole(stderr, "stderr", &streams)
	go s.waitForExit(cmd, &streams, s.waitDone)

	s.logger.Info(logging.CategoryServer, "server_started", "game server launched", map[string]any{
		"pid":     cmd.Process.Pid,
		"command": binary,
	})
	s.publishState(st)
	return nil
}

// Stop shuts the server down: the configured stop command on stdin when one
// exists, SIGTERM otherwise, and a kill once the grace period expires.
// Stopping an already-stopped server is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cmd := s.cmd
	stdin := s.stdin
	done := s.waitDone
	s.mu.Unlock()

	if s.cfg.StopCommand != "" && stdin != nil {
		_, _ = io.WriteString(stdin, s.cfg.StopCommand+"\n")
	} else if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	grace := s.cfg.StopGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return nil
	}
}

// SendCommand writes one line to the server's stdin.
func (s *Supervisor) SendCommand(line string) error {
	s.mu.Lock()
	stdin := s.stdin
	running := s.running
	s.mu.Unlock()
	if !running || stdin == nil {
		return ErrNotRunning
	}
	_, err := io.WriteString(stdin, line+"\n")
	return err
}

func (s *Supervisor) streamToConsole(r io.Reader, source string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := s.console.Append(source, scanner.Text())
		s.publishLine(line)
	}
}

func (s *Supervisor) waitForExit(cmd *exec.Cmd, streams *sync.WaitGroup, done chan struct{}) {
	streams.Wait()
	err := cmd.Wait()

	s.mu.Lock()
	s.running = false
	code := cmd.ProcessState.ExitCode()
	s.exitCode = &code
	close(done)
	st := s.stateLocked()
	s.mu.Unlock()

	if err != nil {
		s.publishLine(s.console.Append("agent", fmt.Sprintf("process exited: %v", err)))
		s.logger.Warn(logging.CategoryServer, "server_exited", err.Error(), map[string]any{"exit_code": code})
	} else {
		s.publishLine(s.console.Append("agent", "process exited cleanly"))
		s.logger.Info(logging.CategoryServer, "server_exited", "clean exit", map[string]any{"exit_code": code})
	}
	s.publishState(st)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
