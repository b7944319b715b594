package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/logging"
	"github.com/gamedock/gamedock/pkg/protocol"
)

// ErrInstallRunning is returned when an install is already in progress.
var ErrInstallRunning = errors.New("install already in progress")

// Installer runs steamcmd to install or update the game server files.
// One run at a time; output streams into the console buffer.
type Installer struct {
	cfg     config.SteamConfig
	logger  *logging.Logger
	console *ConsoleBuffer
	publish func(protocol.ConsoleLine)
	busy    atomic.Bool
}

// NewInstaller builds an installer that reports progress through the given
// console buffer and broadcast sink.
func NewInstaller(cfg config.SteamConfig, logger *logging.Logger, console *ConsoleBuffer, publish func(protocol.ConsoleLine)) *Installer {
	if publish == nil {
		publish = func(protocol.ConsoleLine) {}
	}
	return &Installer{cfg: cfg, logger: logger, console: console, publish: publish}
}

// Install runs steamcmd for the requested app. A zero appID falls back to
// the configured one. The combined output is returned on completion.
func (i *Installer) Install(ctx context.Context, params protocol.InstallParams) (protocol.InstallResult, error) {
	if !i.busy.CompareAndSwap(false, true) {
		return protocol.InstallResult{}, ErrInstallRunning
	}
	defer i.busy.Store(false)

	appID := params.AppID
	if appID == 0 {
		appID = i.cfg.AppID
	}
	if appID <= 0 {
		return protocol.InstallResult{}, errors.New("no steam app id configured")
	}

	installDir, err := filepath.Abs(i.cfg.InstallDir)
	if err != nil {
		return protocol.InstallResult{}, err
	}
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return protocol.InstallResult{}, err
	}

	args := []string{
		"+login", "anonymous",
		"+force_install_dir", installDir,
	}
	update := []string{"+app_update", strconv.Itoa(appID)}
	if params.Validate || i.cfg.Validate {
		update = append(update, "validate")
	}
	args = append(args, update...)
	args = append(args, "+quit")

	i.report("Installing app %d via steamcmd...", appID)
	i.logger.Info(logging.CategoryInstall, "install_started", "steamcmd run started", map[string]any{
		"app_id":      appID,
		"install_dir": installDir,
	})

	cmd := exec.CommandContext(ctx, i.cfg.SteamCmd, args...)
	cmd.Dir = installDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.InstallResult{}, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return protocol.InstallResult{}, fmt.Errorf("starting steamcmd: %w", err)
	}

	var output strings.Builder
	i.streamOutput(stdout, &output)

	if err := cmd.Wait(); err != nil {
		i.report("steamcmd failed: %v", err)
		i.logger.Error(logging.CategoryInstall, "install_failed", err.Error(), map[string]any{"app_id": appID})
		return protocol.InstallResult{Output: output.String()}, fmt.Errorf("steamcmd: %w", err)
	}

	i.report("steamcmd run complete")
	i.logger.Info(logging.CategoryInstall, "install_finished", "steamcmd run complete", map[string]any{"app_id": appID})
	return protocol.InstallResult{Output: output.String()}, nil
}

// Busy reports whether an install is currently running.
func (i *Installer) Busy() bool {
	return i.busy.Load()
}

func (i *Installer) streamOutput(r io.Reader, sink *strings.Builder) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		sink.WriteString(text)
		sink.WriteByte('\n')
		i.publish(i.console.Append("steamcmd", text))
	}
}

func (i *Installer) report(format string, args ...any) {
	i.publish(i.console.Append("steamcmd", fmt.Sprintf(format, args...)))
}
