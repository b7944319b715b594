package agent

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/gamedock/gamedock/pkg/logging"
	"github.com/gamedock/gamedock/pkg/protocol"
)

// LogWatcher tails the game server's log file. Many dedicated servers write
// their real console output to a file instead of stdout; the watcher turns
// appended lines into console events alongside the process streams.
type LogWatcher struct {
	path    string
	logger  *logging.Logger
	console *ConsoleBuffer
	publish func(protocol.ConsoleLine)
}

// NewLogWatcher tails path into the console buffer.
func NewLogWatcher(path string, logger *logging.Logger, console *ConsoleBuffer, publish func(protocol.ConsoleLine)) *LogWatcher {
	if publish == nil {
		publish = func(protocol.ConsoleLine) {}
	}
	return &LogWatcher{path: path, logger: logger, console: console, publish: publish}
}

// Run watches the log file until the context ends. The file may not exist
// yet; it is picked up when created. Truncation restarts from the top.
func (w *LogWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: the file itself may be rotated or not exist yet.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var file *os.File
	var offset int64
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	open := func() {
		if file != nil {
			return
		}
		f, err := os.Open(w.path)
		if err != nil {
			return
		}
		// Skip history already present at attach time.
		if end, err := f.Seek(0, io.SeekEnd); err == nil {
			offset = end
		}
		file = f
		w.logger.Info(logging.CategoryFiles, "logwatch_attached", "tailing server log", map[string]any{"path": w.path})
	}
	open()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				if file != nil {
					file.Close()
					file = nil
				}
				offset = 0
				if f, err := os.Open(w.path); err == nil {
					file = f
				}
				w.drain(file, &offset)
			case event.Has(fsnotify.Write):
				open()
				w.drain(file, &offset)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				if file != nil {
					file.Close()
					file = nil
				}
				offset = 0
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(logging.CategoryFiles, "logwatch_error", err.Error(), nil)
		}
	}
}

// drain reads complete lines appended past the current offset.
func (w *LogWatcher) drain(file *os.File, offset *int64) {
	if file == nil {
		return
	}
	st, err := file.Stat()
	if err != nil {
		return
	}
	if st.Size() < *offset {
		// Truncated; restart from the top.
		*offset = 0
	}
	if _, err := file.Seek(*offset, io.SeekStart); err != nil {
		return
	}
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial line without a newline stays for the next write.
			break
		}
		*offset += int64(len(line))
		w.publish(w.console.Append("log", line))
	}
}
