// Package session implements the connection session manager: one logical,
// authenticated real-time connection to the gamedock agent, with
// request/response calls, liveness heartbeats, bounded automatic reconnects,
// and typed event subscriptions for UI consumers.
package session

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamedock/gamedock/pkg/logging"
	"github.com/gamedock/gamedock/pkg/protocol"
)

// EventStateChanged is delivered to subscribers on every connection-state
// transition. Its payload is a marshaled Status.
const EventStateChanged = "session.state"

// Handler receives subscribed events. Handlers run on the manager's dispatch
// goroutine and must not block.
type Handler func(Event)

// Event is a pushed server event or a state transition.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Options tune the manager. Zero values take the documented defaults.
type Options struct {
	// Endpoint is the agent's WebSocket URL (ws:// or wss://).
	Endpoint string

	// DialTimeout bounds a single connect attempt. Default 10s.
	DialTimeout time.Duration

	// HeartbeatInterval is the liveness probe period. A ping that is still
	// unanswered when the next tick fires forces a reconnect. Default 30s.
	HeartbeatInterval time.Duration

	// MaxReconnectAttempts bounds the automatic retry policy. Default 10.
	MaxReconnectAttempts int

	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential backoff
	// between attempts. Defaults 500ms and 30s.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// CallTimeout is the default deadline for Call when none is given.
	// Default 15s.
	CallTimeout time.Duration

	// Dial overrides the transport; tests inject fakes here.
	Dial DialFunc

	// Logger receives structured lifecycle events. Nil discards.
	Logger *logging.Logger
}

func (o *Options) withDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	if o.Dial == nil {
		o.Dial = dialWebSocket
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall resolves exactly once, to whichever of success, remote error,
// timeout, or connection teardown wins the race.
type pendingCall struct {
	ch   chan callResult
	once sync.Once
}

func newPendingCall() *pendingCall {
	return &pendingCall{ch: make(chan callResult, 1)}
}

func (p *pendingCall) resolve(res callResult) {
	p.once.Do(func() { p.ch <- res })
}

// Manager owns a single logical connection per credential set and mediates
// all remote calls through it. All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	logger *logging.Logger

	mu          sync.Mutex
	closed      bool
	state       State
	creds       Credentials
	haveCreds   bool
	attempts    int
	lastAttempt time.Time
	lastErr     string

	conn      Transport
	gen       uint64 // bumped on every teardown; stale transports and timers check it
	connStop  context.CancelFunc
	retrying  bool
	retryTmr  *time.Timer
	pingAcked bool

	pending map[string]*pendingCall
	subs    map[string]map[uint64]Handler
	subSeq  uint64
}

// NewManager builds a manager. It does not connect.
func NewManager(opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		state:     StateDisconnected,
		pending:   make(map[string]*pendingCall),
		subs:      make(map[string]map[uint64]Handler),
		pingAcked: true,
	}
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		LastAttempt:       m.lastAttempt,
		LastError:         m.lastErr,
	}
}

// Connect validates the credentials, tears down any connection opened with a
// different credential token, and dials the agent. Retryable failures arm the
// bounded automatic-retry policy; auth rejections do not. The first attempt's
// error (if any) is returned to the caller.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newError(KindTransport, "manager closed")
	}
	if m.haveCreds && m.creds.Token() == creds.Token() &&
		(m.state == StateConnected || m.state == StateConnecting) {
		m.mu.Unlock()
		return nil
	}
	reason := "reconnect"
	if m.haveCreds && m.creds.Token() != creds.Token() {
		reason = "credentials changed"
	}
	// Stale and fresh connections must never coexist: the old transport is
	// fully closed before the new dial starts.
	m.teardownLocked(reason)
	m.creds = creds
	m.haveCreds = true
	gen := m.beginConnectingLocked()
	snap := m.statusLocked()
	m.mu.Unlock()

	m.emitState(snap)
	return m.attempt(ctx, gen)
}

// Reconnect tears the current transport down and dials again with the same
// credentials.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newError(KindTransport, "manager closed")
	}
	if !m.haveCreds {
		m.mu.Unlock()
		return newError(KindNotConnected, "no credentials to reconnect with")
	}
	m.teardownLocked("reconnect")
	gen := m.beginConnectingLocked()
	snap := m.statusLocked()
	m.mu.Unlock()

	m.emitState(snap)
	return m.attempt(ctx, gen)
}

// Disconnect tears down the transport, rejects all pending calls with a
// "connection closed" error, and resets the state. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	changed := m.conn != nil || m.state != StateDisconnected
	m.teardownLocked("client disconnect")
	m.state = StateDisconnected
	m.lastErr = ""
	snap := m.statusLocked()
	m.mu.Unlock()

	if changed {
		m.emitState(snap)
	}
}

// Close disconnects and permanently shuts the manager down.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// beginConnectingLocked marks the start of a connect episode and returns the
// generation that guards it.
func (m *Manager) beginConnectingLocked() uint64 {
	m.state = StateConnecting
	m.lastAttempt = time.Now()
	return m.gen
}

// teardownLocked closes the transport, stops its read/heartbeat goroutines
// and any armed retry timer, and rejects every pending call. Bumping the
// generation makes everything still referencing the old transport inert.
func (m *Manager) teardownLocked(reason string) {
	if m.retryTmr != nil {
		m.retryTmr.Stop()
		m.retryTmr = nil
	}
	m.retrying = false
	if m.connStop != nil {
		m.connStop()
		m.connStop = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(reason)
		m.conn = nil
	}
	m.pingAcked = true
	m.gen++
	if len(m.pending) > 0 {
		closed := newError(KindTransport, "connection closed")
		for id, p := range m.pending {
			delete(m.pending, id)
			p.resolve(callResult{err: closed})
		}
	}
}

// attempt dials once under the given generation. On success it installs the
// transport and starts the read and heartbeat loops; on retryable failure it
// arms the next backoff timer.
func (m *Manager) attempt(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	conn, err := m.opts.Dial(dialCtx, m.opts.Endpoint, creds)
	cancel()

	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close("superseded")
		}
		if err != nil {
			return err
		}
		return newError(KindTransport, "connection superseded")
	}

	if err != nil {
		m.attempts++
		m.state = StateErrored
		m.lastErr = err.Error()
		shouldRetry := retryable(err) && m.attempts < m.opts.MaxReconnectAttempts && !m.retrying
		var delay time.Duration
		if shouldRetry {
			m.retrying = true
			delay = m.backoff(m.attempts)
		}
		snap := m.statusLocked()
		m.mu.Unlock()

		m.emitState(snap)
		m.logger.Warn(logging.CategorySession, "connect_failed", err.Error(), map[string]any{
			"attempt": snap.ReconnectAttempts,
			"retry":   shouldRetry,
		})
		if shouldRetry {
			m.scheduleRetry(gen, delay)
		}
		return err
	}

	connCtx, stop := context.WithCancel(context.Background())
	m.conn = conn
	m.connStop = stop
	m.state = StateConnected
	m.attempts = 0
	m.lastErr = ""
	m.pingAcked = true
	snap := m.statusLocked()
	m.mu.Unlock()

	m.emitState(snap)
	m.logger.Info(logging.CategorySession, "connected", "transport established", map[string]any{
		"endpoint": m.opts.Endpoint,
	})
	go m.readLoop(connCtx, conn, gen)
	go m.heartbeatLoop(connCtx, gen)
	return nil
}

func (m *Manager) scheduleRetry(gen uint64, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen != gen {
		return
	}
	m.retryTmr = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.retrying = false
		m.retryTmr = nil
		m.beginConnectingLocked()
		snap := m.statusLocked()
		m.mu.Unlock()

		m.emitState(snap)
		_ = m.attempt(context.Background(), gen)
	})
}

// backoff returns the delay before attempt n+1: exponential from the base,
// capped, with ±20% jitter.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.opts.ReconnectBaseDelay
	for i := 1; i < attempts && d < m.opts.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > m.opts.ReconnectMaxDelay {
		d = m.opts.ReconnectMaxDelay
	}
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1) - int64(d)/5)
	return d + jitter
}

// connLost handles an unexpected transport failure: teardown, Errored state,
// and the automatic-retry path unless the failure is a policy rejection.
func (m *Manager) connLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.teardownLocked("connection lost")
	newGen := m.gen
	m.state = StateErrored
	m.lastErr = cause.Error()
	shouldRetry := retryable(cause) && m.attempts < m.opts.MaxReconnectAttempts && !m.retrying
	var delay time.Duration
	if shouldRetry {
		m.retrying = true
		delay = m.backoff(m.attempts + 1)
	}
	snap := m.statusLocked()
	m.mu.Unlock()

	m.emitState(snap)
	m.logger.Warn(logging.CategorySession, "connection_lost", cause.Error(), map[string]any{
		"retry": shouldRetry,
	})
	if shouldRetry {
		m.scheduleRetry(newGen, delay)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Transport, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // torn down deliberately; teardown already settled state
			}
			m.connLost(gen, err)
			return
		}
		m.dispatch(gen, data)
	}
}

// dispatch routes one inbound frame. Frames from a superseded transport are
// dropped before any state mutation.
func (m *Manager) dispatch(gen uint64, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		m.logger.Debug(logging.CategoryTransport, "bad_frame", err.Error(), nil)
		return
	}

	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		return
	}

	switch {
	case msg.IsResponse():
		p := m.pending[msg.ID]
		delete(m.pending, msg.ID)
		m.mu.Unlock()
		if p == nil {
			return
		}
		if msg.OK != nil && *msg.OK {
			p.resolve(callResult{result: msg.Result})
		} else {
			p.resolve(callResult{err: newError(KindRemote, msg.Error)})
		}

	case msg.IsPush():
		handlers := m.handlersLocked(msg.Event)
		m.mu.Unlock()
		ev := Event{Type: msg.Event, Payload: msg.Payload, Timestamp: msg.Timestamp}
		for _, h := range handlers {
			h(ev)
		}

	default:
		m.mu.Unlock()
	}
}

// heartbeatLoop sends a lightweight ping every interval. If the previous ping
// was never acknowledged when the next tick fires, the connection is treated
// as silently dead and torn down for reconnect.
func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.closed || m.gen != gen {
				m.mu.Unlock()
				return
			}
			if !m.pingAcked {
				m.mu.Unlock()
				m.connLost(gen, newError(KindTransport, "heartbeat missed"))
				return
			}
			m.pingAcked = false
			m.mu.Unlock()

			go func() {
				_, err := m.Call(ctx, protocol.MethodPing, nil, m.opts.HeartbeatInterval)
				if err != nil {
					return // next tick notices the unacked ping
				}
				m.mu.Lock()
				if m.gen == gen {
					m.pingAcked = true
				}
				m.mu.Unlock()
			}()
		}
	}
}

// Call sends a correlated request and waits for its single resolution:
// the remote's result, a remote error, a timeout, cancellation, or teardown.
func (m *Manager) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.opts.CallTimeout
	}

	m.mu.Lock()
	if m.closed || m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, newError(KindNotConnected, "no live connection for "+method)
	}
	conn := m.conn
	id := uuid.NewString()
	p := newPendingCall()
	m.pending[id] = p
	m.mu.Unlock()

	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		m.removePending(id)
		return nil, wrapError(KindTransport, "encode request", err)
	}
	if err := conn.Write(ctx, frame); err != nil {
		m.removePending(id)
		p.resolve(callResult{err: err})
		res := <-p.ch
		return res.result, res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-p.ch:
		m.removePending(id)
		return res.result, res.err
	case <-timer.C:
		m.removePending(id)
		p.resolve(callResult{err: newError(KindTimeout, method+" timed out")})
		res := <-p.ch
		return res.result, res.err
	case <-ctx.Done():
		m.removePending(id)
		p.resolve(callResult{err: wrapError(KindTransport, method+" cancelled", ctx.Err())})
		res := <-p.ch
		return res.result, res.err
	}
}

func (m *Manager) removePending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Subscribe registers a handler for the given event type (a protocol push
// event or EventStateChanged) and returns its unsubscribe function.
func (m *Manager) Subscribe(eventType string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subSeq++
	id := m.subSeq
	if m.subs[eventType] == nil {
		m.subs[eventType] = make(map[uint64]Handler)
	}
	m.subs[eventType][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[eventType], id)
	}
}

func (m *Manager) handlersLocked(eventType string) []Handler {
	set := m.subs[eventType]
	if len(set) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

func (m *Manager) emitState(snap Status) {
	m.mu.Lock()
	handlers := m.handlersLocked(EventStateChanged)
	m.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ev := Event{Type: EventStateChanged, Payload: payload, Timestamp: time.Now()}
	for _, h := range handlers {
		h(ev)
	}
}
