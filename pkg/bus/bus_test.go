package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	got := make(chan *Message, 1)
	sub, err := b.Subscribe(context.Background(), SubjectConsole, func(msg *Message) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(context.Background(), SubjectConsole, []byte("server started")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-got:
		if string(msg.Data) != "server started" {
			t.Errorf("data = %q", msg.Data)
		}
		if msg.Subject != SubjectConsole {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	got := make(chan string, 4)
	sub, err := b.Subscribe(context.Background(), "gamedock.*.snapshot", func(msg *Message) {
		got <- msg.Subject
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	_ = b.Publish(context.Background(), SubjectMetrics, nil)
	_ = b.Publish(context.Background(), SubjectConsole, nil) // must not match

	select {
	case subject := <-got:
		if subject != SubjectMetrics {
			t.Fatalf("subject = %q, want %q", subject, SubjectMetrics)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscription never matched")
	}
	select {
	case subject := <-got:
		t.Fatalf("unexpected delivery for %q", subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	got := make(chan *Message, 1)
	sub, err := b.Subscribe(context.Background(), SubjectServerState, func(msg *Message) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	_ = b.Publish(context.Background(), SubjectServerState, []byte("running"))
	select {
	case <-got:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != ErrClosed {
		t.Fatalf("second close = %v, want ErrClosed", err)
	}
	if err := b.Publish(context.Background(), SubjectConsole, nil); err != ErrClosed {
		t.Fatalf("publish after close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(context.Background(), SubjectConsole, func(*Message) {}); err != ErrClosed {
		t.Fatalf("subscribe after close = %v, want ErrClosed", err)
	}
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"gamedock.console.line", "gamedock.console.line", true},
		{"gamedock.console.line", "gamedock.metrics.snapshot", false},
		{"gamedock.*.line", "gamedock.console.line", true},
		{"gamedock.*", "gamedock.console.line", false},
		{"gamedock.>", "gamedock.console.line", true},
		{"gamedock.>", "gamedock", false},
		{"*.console.line", "gamedock.console.line", true},
		{"gamedock.console", "gamedock.console.line", false},
	}
	for _, tc := range cases {
		if got := matchSubject(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*MemoryBus); !ok {
		t.Fatalf("empty URL should select the in-memory bus, got %T", b)
	}
}
