package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"

	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth"
	"github.com/sounddoctrine-de/sdo-devicekit/utils"
)

var logger = log.New("http")

// SetLogger replaces the package logger. Call it before any traffic.
func SetLogger(l log.Logger) {
	logger = l
}

const commandsPrefix = "/api/commands/"

// Channel is the part of the command channel client the HTTP API drives.
type Channel interface {
	State() bluetooth.State
	Peer() (bluetooth.Peer, bool)
	Stats() bluetooth.Stats
	StartScanning() error
	StopScanning() error
	SendCommand(cmd bluetooth.Command) error
	Disconnect() error
}

// Server exposes the command channel over HTTP and streams its events over /ws.
type Server struct {
	channel  Channel
	adapter  bluetooth.Adapter
	wsHub    *utils.WebSocketHub
	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server
	started  time.Time
}

// NewServer creates a new Server instance.
func NewServer(channel Channel, adapter bluetooth.Adapter, wsHub *utils.WebSocketHub) *Server {
	s := &Server{
		channel: channel,
		adapter: adapter,
		wsHub:   wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		started: time.Now(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, including /ws.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.methodHandler(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/api/health", s.methodHandler(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/api/scan/start", s.methodHandler(http.MethodPost, s.handleScanStart))
	mux.HandleFunc("/api/scan/stop", s.methodHandler(http.MethodPost, s.handleScanStop))
	mux.HandleFunc("/api/disconnect", s.methodHandler(http.MethodPost, s.handleDisconnect))
	mux.HandleFunc(commandsPrefix, s.methodHandler(http.MethodPost, s.handleCommand))

	handler := loggingMiddleware(corsMiddleware(mux))

	// The websocket endpoint bypasses middleware so the recorder does not hide the hijacker.
	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/ws", s.handleWebSocket)
	mainMux.Handle("/", handler)
	return mainMux
}

// Start listens on addr and blocks until the server is shut down.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting http server", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown stops accepting requests and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.CloseAll()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) snapshot() utils.ChannelSnapshot {
	snap := utils.ChannelSnapshot{
		State:        s.channel.State(),
		AdapterState: s.adapter.State().String(),
		Stats:        s.channel.Stats(),
		Clients:      s.wsHub.ClientCount(),
	}
	if p, ok := s.channel.Peer(); ok {
		snap.Peer = &p
	}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	adapterReady := s.adapter.State().Ready()
	status := "healthy"
	if !adapterReady {
		status = "degraded"
	}
	state := s.channel.State()
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"adapter_ready": adapterReady,
		"state":         state,
		"connected":     state.Connected(),
		"timestamp":     time.Now().Unix(),
	})
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.StartScanning(); err != nil {
		writeChannelError(w, "Failed to start scanning", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.StopScanning(); err != nil {
		writeChannelError(w, "Failed to stop scanning", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.Disconnect(); err != nil {
		writeChannelError(w, "Failed to disconnect", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, commandsPrefix)
	if name == "" || strings.Contains(name, "/") {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid command", nil)
		return
	}
	cmd, err := bluetooth.ParseCommand(name)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Unknown command", err)
		return
	}
	if err := s.channel.SendCommand(cmd); err != nil {
		writeChannelError(w, "Failed to send command", err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"status":    "sent",
		"command":   cmd,
		"timestamp": time.Now().Unix(),
	})
}

// handleWebSocket upgrades the connection and keeps it alive until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	logger.Info("websocket connected", "remote", r.RemoteAddr)

	// The snapshot goes out before the hub can write to conn.
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(utils.WebSocketEvent{Type: utils.EventSnapshot, Payload: s.snapshot()}); err != nil {
		conn.Close()
		return
	}

	s.wsHub.AddClient(conn)
	defer func() {
		logger.Info("websocket closed", "remote", r.RemoteAddr)
		s.wsHub.RemoveClient(conn)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("websocket error", "err", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				logger.Warn("websocket ping failed", "err", err)
				return
			}
		}
	}
}

// statusFor maps command channel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bluetooth.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bluetooth.ErrAdapterNotReady), errors.Is(err, bluetooth.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, bluetooth.ErrDecodeFailed):
		return http.StatusBadRequest
	case errors.Is(err, bluetooth.ErrWriteFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeChannelError(w http.ResponseWriter, message string, err error) {
	writeErrorResponse(w, statusFor(err), message, err)
}

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "err", err)
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().Unix(),
	}

	if err != nil {
		response["details"] = err.Error()
		logger.Warn("api error", "message", message, "status", statusCode, "err", err)
	}

	writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.statusCode, "duration", time.Since(start))
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// methodHandler creates a handler that only accepts specific HTTP methods
func (s *Server) methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		handler(w, r)
	}
}
