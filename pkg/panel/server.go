package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/gamedock/gamedock/pkg/bus"
	"github.com/gamedock/gamedock/pkg/config"
	"github.com/gamedock/gamedock/pkg/logging"
	"github.com/gamedock/gamedock/pkg/protocol"
	"github.com/gamedock/gamedock/pkg/session"
)

// Server is the web panel: a REST API over the agent session, plus a
// WebSocket event stream for the dashboard.
type Server struct {
	cfg    config.PanelConfig
	logger *logging.Logger

	sess     *session.Manager
	eventBus bus.EventBus
	hub      *Hub
	users    *UserStore
	tokens   *TokenIssuer
	limiter  *ipLimiter

	pumpStop func()
	busSub   bus.Subscription
}

// NewServer wires the panel around one agent session.
func NewServer(cfg config.PanelConfig, sessCfg config.SessionConfig, busCfg config.BusConfig, logger *logging.Logger) (*Server, error) {
	busName := busCfg.Name
	if busName == "" {
		busName = "gamedock-panel"
	}
	eventBus, err := bus.New(bus.Config{URL: busCfg.URL, Name: busName})
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenIssuer(cfg.TokenSecret, cfg.WSTokenTTL)
	if err != nil {
		return nil, err
	}
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "gamedock-panel")
	}
	users, err := NewUserStore(stateDir, cfg.AgentUsername)
	if err != nil {
		return nil, err
	}

	mgr := session.NewManager(session.Options{
		Endpoint:             cfg.AgentURL,
		DialTimeout:          sessCfg.DialTimeout,
		CallTimeout:          sessCfg.CallTimeout,
		HeartbeatInterval:    sessCfg.HeartbeatInterval,
		MaxReconnectAttempts: sessCfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   sessCfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    sessCfg.ReconnectMaxDelay,
		Logger:               logger,
	})

	var limiter *ipLimiter
	if cfg.RateLimit > 0 {
		limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		sess:     mgr,
		eventBus: eventBus,
		hub:      NewHub(),
		users:    users,
		tokens:   tokens,
		limiter:  limiter,
	}, nil
}

// Session exposes the agent session, mainly for tests and the CLI.
func (s *Server) Session() *session.Manager {
	return s.sess
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	sub, err := s.hub.Attach(ctx, s.eventBus)
	if err != nil {
		return err
	}
	s.busSub = sub
	s.pumpStop = startEventPump(ctx, s.sess, s.eventBus)

	if s.cfg.AgentUsername != "" || s.cfg.AgentPassword != "" {
		creds := session.Credentials{Username: s.cfg.AgentUsername, Password: s.cfg.AgentPassword}
		if err := s.sess.Connect(ctx, creds); err != nil {
			// Connection failures retry in the background; the API stays up.
			s.logger.Warn(logging.CategoryPanel, "agent_connect_failed", err.Error(), nil)
		}
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
		s.Close()
	}()

	s.logger.Info(logging.CategoryPanel, "panel_listening", "panel accepting connections", map[string]any{
		"bind": s.cfg.Bind,
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the panel's session, hub, and bus.
func (s *Server) Close() {
	if s.pumpStop != nil {
		s.pumpStop()
		s.pumpStop = nil
	}
	if s.busSub != nil {
		_ = s.busSub.Unsubscribe()
		s.busSub = nil
	}
	s.hub.Shutdown()
	s.sess.Close()
	_ = s.eventBus.Close()
}

// Handler builds the panel's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.basicAuthMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/ws-token", s.handleWSToken)

		api.Get("/system/info", s.handleSystemInfo)
		api.Get("/server-check", s.handleServerCheck)

		api.Get("/server/status", s.handleServerStatus)
		api.Post("/server/start", s.handleServerStart)
		api.Post("/server/stop", s.handleServerStop)
		api.Post("/server/command", s.handleServerCommand)
		api.Post("/server/install", s.handleServerInstall)
		api.Get("/server/logs", s.handleServerLogs)

		api.Get("/files", s.handleFileList)
		api.Get("/files/content", s.handleFileRead)
		api.Put("/files/content", s.handleFileWrite)

		api.Get("/users/me", s.handleUsersMe)
		api.Post("/users/onboarding", s.handleOnboarding)

		api.Get("/session/status", s.handleSessionStatus)
		api.Post("/session/connect", s.handleSessionConnect)
		api.Post("/session/disconnect", s.handleSessionDisconnect)
		api.Post("/session/reconnect", s.handleSessionReconnect)
	})
	return r
}

// callAgent proxies one RPC through the session, recording its latency.
func (s *Server) callAgent(ctx context.Context, method string, params any) (json.RawMessage, error) {
	started := time.Now()
	result, err := s.sess.Call(ctx, method, params, 0)
	outcome := "ok"
	if err != nil {
		outcome = string(session.KindOf(err))
	}
	metricAgentCalls.WithLabelValues(method, outcome).Observe(time.Since(started).Seconds())
	return result, err
}

// proxyCall forwards an RPC result straight to the HTTP response.
func (s *Server) proxyCall(w http.ResponseWriter, r *http.Request, method string, params any) {
	result, err := s.callAgent(r.Context(), method, params)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(result)
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	s.proxyCall(w, r, protocol.MethodSystemInfo, nil)
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	s.proxyCall(w, r, protocol.MethodServerStatus, nil)
}

func (s *Server) handleServerStart(w http.ResponseWriter, r *http.Request) {
	s.proxyCall(w, r, protocol.MethodServerStart, nil)
}

func (s *Server) handleServerStop(w http.ResponseWriter, r *http.Request) {
	s.proxyCall(w, r, protocol.MethodServerStop, nil)
}

func (s *Server) handleServerCommand(w http.ResponseWriter, r *http.Request) {
	var params protocol.CommandParams
	if err := decodeJSON(r, &params); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if params.Line == "" {
		respondError(w, http.StatusBadRequest, errors.New("command line required"))
		return
	}
	s.proxyCall(w, r, protocol.MethodServerCommand, params)
}

func (s *Server) handleServerInstall(w http.ResponseWriter, r *http.Request) {
	var params protocol.InstallParams
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &params); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	s.proxyCall(w, r, protocol.MethodServerInstall, params)
}

func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 200)
	s.proxyCall(w, r, protocol.MethodServerLogs, protocol.LogsParams{Limit: limit})
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	s.proxyCall(w, r, protocol.MethodFileList, protocol.FileListParams{Path: r.URL.Query().Get("path")})
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, errors.New("path required"))
		return
	}
	s.proxyCall(w, r, protocol.MethodFileRead, protocol.FileReadParams{Path: path})
}

func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	var params protocol.FileWriteParams
	if err := decodeJSON(r, &params); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if params.Path == "" {
		respondError(w, http.StatusBadRequest, errors.New("path required"))
		return
	}
	s.proxyCall(w, r, protocol.MethodFileWrite, params)
}

func (s *Server) handleUsersMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.users.Me())
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.CompleteOnboarding()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, user)
}

// serverCheckResponse reports whether the agent and its game server are
// reachable, with the round-trip latency when they are.
type serverCheckResponse struct {
	SessionState  string `json:"session_state"`
	AgentReady    bool   `json:"agent_ready"`
	LatencyMillis int64  `json:"latency_ms,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleServerCheck(w http.ResponseWriter, r *http.Request) {
	st := s.sess.Status()
	resp := serverCheckResponse{SessionState: st.State.String()}

	if st.State == session.StateConnected {
		started := time.Now()
		_, err := s.callAgent(r.Context(), protocol.MethodPing, nil)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.AgentReady = true
			resp.LatencyMillis = time.Since(started).Milliseconds()
		}
	} else if st.LastError != "" {
		resp.Error = st.LastError
	}
	respondJSON(w, resp)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.sess.Status())
}

type connectRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	creds := session.Credentials{Username: req.Username, Password: req.Password}
	if err := s.sess.Connect(r.Context(), creds); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, s.sess.Status())
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sess.Disconnect()
	respondJSON(w, s.sess.Status())
}

func (s *Server) handleSessionReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Reconnect(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, s.sess.Status())
}

type wsTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleWSToken(w http.ResponseWriter, r *http.Request) {
	subject := s.users.Me().Username
	if subject == "" {
		subject = "admin"
	}
	token, expires, err := s.tokens.Issue(subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, wsTokenResponse{Token: token, ExpiresAt: expires})
}

// handleWS upgrades a browser connection after validating its short-lived
// token and streams bus events until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusUnauthorized, errors.New("token required"))
		return
	}
	if _, err := s.tokens.Verify(token); err != nil {
		respondError(w, http.StatusUnauthorized, errors.New("invalid token"))
		return
	}
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, errors.New("forbidden origin"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryPanel, "ws_accept_failed", err.Error(), nil)
		return
	}
	conn.SetReadLimit(1 << 16)

	client := s.hub.register(conn, filterFromQuery(r.URL.Query().Get("events")))
	ctx, cancel := context.WithCancel(r.Context())

	go func() {
		defer cancel()
		// Browsers don't send application data; the read pump exists to
		// notice the close frame.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	go func() {
		// A nil return means the hub dropped this client; the socket must
		// still come down so the browser knows it lost the stream.
		defer cancel()
		_ = client.writeLoop(ctx)
	}()

	<-ctx.Done()
	s.hub.removeClient(client)
	client.close(websocket.StatusNormalClosure, "bye")
}

// filterFromQuery limits a client to a comma-separated set of subjects.
func filterFromQuery(raw string) func(BrowserEvent) bool {
	if raw == "" {
		return nil
	}
	wanted := make(map[string]bool)
	for _, part := range splitCSV(raw) {
		wanted[part] = true
	}
	return func(ev BrowserEvent) bool {
		return wanted[ev.Type]
	}
}

func splitCSV(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if part := raw[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func (s *Server) adminCredentials() (string, string) {
	return s.cfg.AgentUsername, s.cfg.AgentPassword
}
