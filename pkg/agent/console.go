package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/gamedock/gamedock/pkg/protocol"
)

// ConsoleBuffer keeps the most recent console lines for replay to clients
// that attach after the server started.
type ConsoleBuffer struct {
	mu    sync.Mutex
	max   int
	seq   uint64
	lines []protocol.ConsoleLine
}

// NewConsoleBuffer creates a buffer holding at most max lines.
func NewConsoleBuffer(max int) *ConsoleBuffer {
	if max <= 0 {
		max = 1000
	}
	return &ConsoleBuffer{max: max}
}

// Append records a line and returns it with its sequence number assigned.
func (b *ConsoleBuffer) Append(source, text string) protocol.ConsoleLine {
	text = strings.TrimRight(text, "\r\n")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	line := protocol.ConsoleLine{
		Seq:    b.seq,
		Source: source,
		Line:   text,
		At:     time.Now(),
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
	return line
}

// Tail returns up to n of the most recent lines, oldest first.
// n <= 0 returns everything buffered.
func (b *ConsoleBuffer) Tail(n int) []protocol.ConsoleLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]protocol.ConsoleLine, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// Len returns the number of buffered lines.
func (b *ConsoleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
