package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestConsoleBufferTailAndCap(t *testing.T) {
	b := NewConsoleBuffer(3)
	for _, text := range []string{"one", "two", "three", "four"} {
		b.Append("stdout", text)
	}

	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3 (capped)", b.Len())
	}
	lines := b.Tail(2)
	if len(lines) != 2 || lines[0].Line != "three" || lines[1].Line != "four" {
		t.Fatalf("tail(2) = %+v", lines)
	}
	all := b.Tail(0)
	if len(all) != 3 || all[0].Line != "two" {
		t.Fatalf("tail(0) = %+v", all)
	}
	if all[2].Seq <= all[0].Seq {
		t.Fatalf("sequence numbers not increasing: %+v", all)
	}
}

func TestConsoleBufferStripsLineEndings(t *testing.T) {
	b := NewConsoleBuffer(10)
	line := b.Append("stdout", "hello\r\n")
	if line.Line != "hello" {
		t.Fatalf("line = %q", line.Line)
	}
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestSupervisorRunAndExit(t *testing.T) {
	requireUnix(t)

	sup := NewSupervisor(config.ServerConfig{
		Command:        "/bin/sh",
		Args:           []string{"-c", "echo started; read line; echo got $line"},
		WorkDir:        t.TempDir(),
		ConsoleHistory: 100,
	}, nil)

	if err := sup.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Start(); err != ErrAlreadyRunning {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return consoleContains(sup.Console(), "started")
	})
	st := sup.State()
	if !st.Running || st.PID == 0 {
		t.Fatalf("state = %+v, want running with pid", st)
	}

	if err := sup.SendCommand("ping"); err != nil {
		t.Fatalf("send command: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return consoleContains(sup.Console(), "got ping")
	})
	waitFor(t, 5*time.Second, func() bool { return !sup.State().Running })

	st = sup.State()
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", st.ExitCode)
	}
	if err := sup.SendCommand("x"); err != ErrNotRunning {
		t.Fatalf("command after exit = %v, want ErrNotRunning", err)
	}
}

func TestSupervisorStopViaStopCommand(t *testing.T) {
	requireUnix(t)

	sup := NewSupervisor(config.ServerConfig{
		Command:     "/bin/sh",
		Args:        []string{"-c", `echo up; while read line; do [ "$line" = shutdown ] && exit 0; done`},
		WorkDir:     t.TempDir(),
		StopCommand: "shutdown",
		StopGrace:   5 * time.Second,
	}, nil)

	if err := sup.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return consoleContains(sup.Console(), "up")
	})

	if err := sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sup.State().Running {
		t.Fatal("still running after stop")
	}
	// Stop is idempotent.
	if err := sup.Stop(); err != nil {
		t.Fatalf("second stop = %v, want nil", err)
	}
}

func TestSupervisorPublishesLinesAndState(t *testing.T) {
	requireUnix(t)

	lines := make(chan protocol.ConsoleLine, 16)
	states := make(chan protocol.ServerState, 16)
	sup := NewSupervisor(config.ServerConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hi"},
		WorkDir: t.TempDir(),
	}, nil)
	sup.OnConsoleLine(func(l protocol.ConsoleLine) { lines <- l })
	sup.OnStateChange(func(st protocol.ServerState) { states <- st })

	if err := sup.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case st := <-states:
		if !st.Running {
			t.Fatalf("first state = %+v, want running", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no running state published")
	}
	select {
	case l := <-lines:
		if l.Line != "hi" {
			t.Fatalf("line = %q", l.Line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no console line published")
	}
	waitFor(t, 5*time.Second, func() bool {
		select {
		case st := <-states:
			return !st.Running
		default:
			return false
		}
	})
}

func consoleContains(b *ConsoleBuffer, want string) bool {
	for _, line := range b.Tail(0) {
		if strings.Contains(line.Line, want) {
			return true
		}
	}
	return false
}

func TestFileServiceConfinement(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileService(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := fs.Write(protocol.FileWriteParams{Path: "cfg/server.cfg", Content: []byte("maxplayers 16\n")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := fs.Read(protocol.FileReadParams{Path: "cfg/server.cfg"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Content) != "maxplayers 16\n" {
		t.Fatalf("content = %q", got.Content)
	}

	for _, path := range []string{"..", "../outside", "cfg/../../etc/passwd", "/../../x"} {
		if _, err := fs.Read(protocol.FileReadParams{Path: path}); err == nil {
			t.Errorf("read %q should be rejected", path)
		}
		if err := fs.Write(protocol.FileWriteParams{Path: path}); err == nil {
			t.Errorf("write %q should be rejected", path)
		}
	}

	// Absolute paths are treated as relative to the root, not the host.
	if err := fs.Write(protocol.FileWriteParams{Path: "/abs.txt", Content: []byte("x")}); err != nil {
		t.Fatalf("rooted absolute write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "abs.txt")); err != nil {
		t.Fatalf("rooted file missing: %v", err)
	}

	if err := fs.Write(protocol.FileWriteParams{Path: "cfg/.git/HEAD", Content: []byte("ref")}); err != nil {
		t.Fatalf("seed junk dir: %v", err)
	}

	listing, err := fs.List(protocol.FileListParams{Path: "cfg"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "server.cfg" || listing.Entries[0].Dir {
		t.Fatalf("entries = %+v", listing.Entries)
	}
}

func TestFileServiceReadDirectoryFails(t *testing.T) {
	fs, err := NewFileService(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := fs.Read(protocol.FileReadParams{Path: "."}); err == nil {
		t.Fatal("reading a directory should fail")
	}
}

func TestParseCPUStat(t *testing.T) {
	data := "cpu  100 0 50 800 50 0 0 0 0 0\ncpu0 50 0 25 400 25 0 0 0 0 0\n"
	idle, busy, ok := parseCPUStat(data)
	if !ok {
		t.Fatal("parse failed")
	}
	if idle != 850 {
		t.Errorf("idle = %d, want 850", idle)
	}
	if busy != 150 {
		t.Errorf("busy = %d, want 150", busy)
	}

	if _, _, ok := parseCPUStat("intr 12345\n"); ok {
		t.Error("missing cpu line should fail")
	}
}

func TestParseMeminfo(t *testing.T) {
	data := "MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n"
	total, available := parseMeminfo(data)
	if total != 16384000*1024 {
		t.Errorf("total = %d", total)
	}
	if available != 8192000*1024 {
		t.Errorf("available = %d", available)
	}
}

func TestParseLoadavgAndUptime(t *testing.T) {
	if got := parseLoadavg("0.52 0.58 0.59 1/467 12345\n"); got != 0.52 {
		t.Errorf("load1 = %v", got)
	}
	if got := parseUptime("3600.25 7200.00\n"); got != 3600 {
		t.Errorf("uptime = %d", got)
	}
	if got := parseLoadavg(""); got != 0 {
		t.Errorf("empty loadavg = %v", got)
	}
}

func TestInstallerRunsFakeSteamcmd(t *testing.T) {
	requireUnix(t)

	dir := t.TempDir()
	fake := filepath.Join(dir, "steamcmd")
	script := "#!/bin/sh\necho \"steamcmd args: $@\"\necho 'Success! App fully installed.'\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake steamcmd: %v", err)
	}

	console := NewConsoleBuffer(100)
	inst := NewInstaller(config.SteamConfig{
		SteamCmd:   fake,
		AppID:      2278520,
		InstallDir: filepath.Join(dir, "server"),
		Validate:   true,
	}, nil, console, nil)

	result, err := inst.Install(context.Background(), protocol.InstallParams{})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !strings.Contains(result.Output, "App fully installed") {
		t.Fatalf("output = %q", result.Output)
	}
	if !strings.Contains(result.Output, "+app_update 2278520 validate") {
		t.Fatalf("steamcmd arguments missing from output: %q", result.Output)
	}
	if !consoleContains(console, "steamcmd run complete") {
		t.Fatal("completion line missing from console")
	}
}

func TestInstallerRejectsConcurrentRuns(t *testing.T) {
	requireUnix(t)

	dir := t.TempDir()
	fake := filepath.Join(dir, "steamcmd")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\nsleep 2\n"), 0o755); err != nil {
		t.Fatalf("write fake steamcmd: %v", err)
	}

	inst := NewInstaller(config.SteamConfig{
		SteamCmd:   fake,
		AppID:      1,
		InstallDir: filepath.Join(dir, "server"),
	}, nil, NewConsoleBuffer(10), nil)

	errs := make(chan error, 1)
	go func() {
		_, err := inst.Install(context.Background(), protocol.InstallParams{})
		errs <- err
	}()
	waitFor(t, 2*time.Second, inst.Busy)

	if _, err := inst.Install(context.Background(), protocol.InstallParams{}); err != ErrInstallRunning {
		t.Fatalf("concurrent install = %v, want ErrInstallRunning", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("first install: %v", err)
	}
}

func TestInstallerRequiresAppID(t *testing.T) {
	inst := NewInstaller(config.SteamConfig{SteamCmd: "steamcmd"}, nil, NewConsoleBuffer(10), nil)
	if _, err := inst.Install(context.Background(), protocol.InstallParams{}); err == nil {
		t.Fatal("expected error without app id")
	}
}
