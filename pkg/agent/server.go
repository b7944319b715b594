package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamedock/gamedock/pkg/bus"
	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/logging"
	"github.com/gamedock/gamedock/pkg/protocol"
)

const (
	clientSendBuffer = 64
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingPeriod       = 54 * time.Second
)

// Server is the agent daemon: it owns the game-server process and serves
// the panel's real-time channel.
type Server struct {
	cfg    config.AgentConfig
	logger *logging.Logger

	supervisor *Supervisor
	installer  *Installer
	files      *FileService
	sampler    *Sampler
	events     bus.EventBus
	upgrader   websocket.Upgrader

	credMu   sync.RWMutex
	username string
	password string

	mu      sync.Mutex
	clients map[*client]bool
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	writeMu sync.Mutex
	once    sync.Once
}

// NewServer wires the agent's components together.
func NewServer(cfg config.AgentConfig, logger *logging.Logger) (*Server, error) {
	root := cfg.Steam.InstallDir
	if root == "" {
		root = cfg.DataDir
	}
	files, err := NewFileService(root)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		supervisor: NewSupervisor(cfg.Server, logger),
		files:      files,
		sampler:    NewSampler(cfg.DataDir),
		username:   cfg.Username,
		password:   cfg.Password,
		clients:    make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The agent authenticates with credentials, not cookies, so
			// cross-origin upgrades carry no ambient authority.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.events = bus.NewMemoryBus()
	s.installer = NewInstaller(cfg.Steam, logger, s.supervisor.Console(), s.publishConsoleLine)
	s.supervisor.OnConsoleLine(s.publishConsoleLine)
	s.supervisor.OnStateChange(s.publishServerState)

	// Everything the components emit crosses the internal bus once, then
	// fans out to connected clients.
	if _, err := s.events.Subscribe(context.Background(), "gamedock.>", s.bridgeBusEvent); err != nil {
		return nil, err
	}
	return s, nil
}

// Run serves until the context ends. Background pumps (metrics sampling,
// log tailing) run for the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	go s.sampler.Run(ctx, s.cfg.MetricsInterval, func() bool {
		return s.supervisor.State().Running
	}, s.publishMetrics)

	if s.cfg.Server.LogFile != "" {
		watcher := NewLogWatcher(s.cfg.Server.LogFile, s.logger, s.supervisor.Console(), s.publishConsoleLine)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn(logging.CategoryFiles, "logwatch_stopped", err.Error(), nil)
			}
		}()
	}

	srv := &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.closeAll(websocket.CloseGoingAway, "agent shutting down")
		_ = s.events.Close()
	}()

	s.logger.Info(logging.CategoryServer, "agent_listening", "agent accepting connections", map[string]any{
		"bind": s.cfg.Bind,
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the agent's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if !s.authorize(req) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gamedock-agent"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		promhttp.Handler().ServeHTTP(w, req)
	})
	r.Get("/ws", s.handleWS)
	return r
}

// Supervisor exposes the process supervisor, mainly for tests.
func (s *Server) Supervisor() *Supervisor {
	return s.supervisor
}

// UpdateCredentials rotates the accepted credentials and closes every live
// session with a policy-violation close so clients re-authenticate.
func (s *Server) UpdateCredentials(username, password string) {
	s.credMu.Lock()
	s.username = username
	s.password = password
	s.credMu.Unlock()

	s.closeAll(websocket.ClosePolicyViolation, "credentials changed")
	s.logger.Info(logging.CategorySession, "credentials_rotated", "all sessions closed for re-auth", nil)
}

func (s *Server) authorize(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	s.credMu.RLock()
	defer s.credMu.RUnlock()
	if s.username == "" && s.password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="gamedock-agent"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(logging.CategoryTransport, "upgrade_failed", err.Error(), nil)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	s.mu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()
	metricAgentClients.Set(float64(count))

	s.logger.Info(logging.CategorySession, "client_connected", "panel session established", map[string]any{
		"remote_addr": r.RemoteAddr,
		"clients":     count,
	})

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.dropClient(c)

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug(logging.CategoryTransport, "read_error", err.Error(), nil)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		msg, err := protocol.Decode(data)
		if err != nil || !msg.IsRequest() {
			continue
		}
		go s.handleRequest(c, msg)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.dropClient(c)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.writeMu.Lock()
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.writeMu.Unlock()
				return
			}
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, frame)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if !s.clients[c] {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()

	c.once.Do(func() { close(c.send) })
	_ = c.conn.Close()
	metricAgentClients.Set(float64(count))
}

func (s *Server) closeAll(code int, reason string) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]bool)
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		c.once.Do(func() { close(c.send) })
		_ = c.conn.Close()
	}
	metricAgentClients.Set(0)
}

func (s *Server) handleRequest(c *client, msg *protocol.Message) {
	metricAgentRequests.WithLabelValues(msg.Method).Inc()
	started := time.Now()

	result, err := s.dispatch(msg)

	var frame []byte
	var encErr error
	if err != nil {
		frame, encErr = protocol.EncodeError(msg.ID, err.Error())
	} else {
		frame, encErr = protocol.EncodeResult(msg.ID, result)
	}
	if encErr != nil {
		s.logger.Error(logging.CategoryRPC, "encode_failed", encErr.Error(), map[string]any{"method": msg.Method})
		return
	}
	s.sendToClient(c, frame)

	s.logger.Debug(logging.CategoryRPC, "request_handled", msg.Method, map[string]any{
		"duration_ms": time.Since(started).Milliseconds(),
		"error":       err != nil,
	})
}

func (s *Server) dispatch(msg *protocol.Message) (any, error) {
	switch msg.Method {
	case protocol.MethodPing:
		return map[string]bool{"pong": true}, nil

	case protocol.MethodServerStart:
		if err := s.supervisor.Start(); err != nil {
			return nil, err
		}
		return s.supervisor.State(), nil

	case protocol.MethodServerStop:
		if err := s.supervisor.Stop(); err != nil {
			return nil, err
		}
		return s.supervisor.State(), nil

	case protocol.MethodServerStatus:
		return s.supervisor.State(), nil

	case protocol.MethodServerCommand:
		var params protocol.CommandParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.Line == "" {
			return nil, errors.New("empty command")
		}
		if err := s.supervisor.SendCommand(params.Line); err != nil {
			return nil, err
		}
		return map[string]bool{"sent": true}, nil

	case protocol.MethodServerLogs:
		var params protocol.LogsParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		return protocol.LogsResult{Lines: s.supervisor.Console().Tail(params.Limit)}, nil

	case protocol.MethodServerInstall:
		var params protocol.InstallParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		return s.installer.Install(context.Background(), params)

	case protocol.MethodFileRead:
		var params protocol.FileReadParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		return s.files.Read(params)

	case protocol.MethodFileWrite:
		var params protocol.FileWriteParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		if err := s.files.Write(params); err != nil {
			return nil, err
		}
		return map[string]bool{"written": true}, nil

	case protocol.MethodFileList:
		var params protocol.FileListParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		return s.files.List(params)

	case protocol.MethodSystemInfo:
		return s.sampler.Snapshot(s.supervisor.State().Running), nil

	default:
		return nil, errors.New("unknown method: " + msg.Method)
	}
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *Server) sendToClient(c *client, frame []byte) {
	defer func() {
		// The send channel closes when the client drops; a response racing
		// that close is discarded.
		_ = recover()
	}()
	select {
	case c.send <- frame:
	default:
	}
}

func (s *Server) broadcast(event string, payload any) {
	frame, err := protocol.EncodePush(event, payload, time.Now())
	if err != nil {
		return
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.sendToClient(c, frame)
	}
}

func (s *Server) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = s.events.Publish(context.Background(), subject, data)
}

func (s *Server) publishConsoleLine(line protocol.ConsoleLine) {
	metricConsoleLines.Inc()
	s.publish(bus.SubjectConsole, line)
}

func (s *Server) publishServerState(st protocol.ServerState) {
	if st.Running {
		metricServerUp.Set(1)
	} else {
		metricServerUp.Set(0)
	}
	s.publish(bus.SubjectServerState, st)
}

func (s *Server) publishMetrics(snap protocol.MetricsSnapshot) {
	s.publish(bus.SubjectMetrics, snap)
}

// bridgeBusEvent turns internal bus traffic into push frames for clients.
func (s *Server) bridgeBusEvent(msg *bus.Message) {
	var event string
	switch msg.Subject {
	case bus.SubjectConsole:
		event = protocol.EventConsoleLine
	case bus.SubjectServerState:
		event = protocol.EventServerState
	case bus.SubjectMetrics:
		event = protocol.EventMetrics
	default:
		return
	}
	s.broadcast(event, json.RawMessage(msg.Data))
}
