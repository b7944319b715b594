// Package bus provides the event fan-out used inside the panel: agent events
// (console output, metrics snapshots, server state) are published onto
// subjects and consumed by the browser hub, recorders, and CLI attachments.
// The default implementation is in-memory; a NATS backend is available when
// several panel instances need to share one agent feed.
package bus

import (
	"context"
	"errors"
	"time"
)

// Subjects published by the panel's event pump.
const (
	SubjectConsole      = "gamedock.console.line"
	SubjectMetrics      = "gamedock.metrics.snapshot"
	SubjectServerState  = "gamedock.server.state"
	SubjectSessionState = "gamedock.session.state"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// EventBus fans published payloads out to subject subscribers.
// Implementations must be safe for concurrent use.
type EventBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler runs on the subscription's own goroutine.
	// Supports wildcards: "gamedock.*" matches "gamedock.metrics".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message is a delivered bus message.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops delivery and releases the subscription.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating an EventBus.
type Config struct {
	// URL is the NATS server URL. Empty selects the in-memory bus.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the connect timeout for the NATS backend.
	Timeout time.Duration
}

// New builds the bus the config calls for.
func New(cfg Config) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}
