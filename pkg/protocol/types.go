package protocol

import "time"

// MetricsSnapshot is the periodically pushed host/server telemetry record.
// Each push supersedes the previous snapshot wholesale.
type MetricsSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	Load1         float64   `json:"load1"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	DiskUsed      uint64    `json:"disk_used_bytes"`
	DiskTotal     uint64    `json:"disk_total_bytes"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	ServerRunning bool      `json:"server_running"`
	AgentVersion  string    `json:"agent_version"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ConsoleLine is one line of game-server console output. Seq increases
// monotonically for the lifetime of the agent so clients can detect gaps.
type ConsoleLine struct {
	Seq    uint64    `json:"seq"`
	Line   string    `json:"line"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// ServerState describes the supervised game-server process.
type ServerState struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// CommandParams carries a console command for the running server.
type CommandParams struct {
	Line string `json:"line"`
}

// LogsParams requests the most recent console lines.
type LogsParams struct {
	Limit int `json:"limit,omitempty"`
}

// LogsResult returns buffered console lines, oldest first.
type LogsResult struct {
	Lines []ConsoleLine `json:"lines"`
}

// InstallParams triggers a steamcmd install/update of the given app.
// A zero AppID uses the agent's configured application.
type InstallParams struct {
	AppID    int  `json:"app_id,omitempty"`
	Validate bool `json:"validate,omitempty"`
}

// InstallResult carries the captured installer output.
type InstallResult struct {
	Output string `json:"output"`
}

// FileReadParams names a file relative to the server root.
type FileReadParams struct {
	Path string `json:"path"`
}

// FileReadResult returns file contents (base64 on the wire).
type FileReadResult struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// FileWriteParams replaces a file's contents under the server root.
type FileWriteParams struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// FileListParams names a directory relative to the server root.
type FileListParams struct {
	Path string `json:"path,omitempty"`
}

// FileEntry is one directory listing row.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"mod_time"`
}

// FileListResult returns the entries of a listed directory.
type FileListResult struct {
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}
