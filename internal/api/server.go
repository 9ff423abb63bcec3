package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schaermu/assetsync/internal/config"
	"github.com/schaermu/assetsync/internal/metrics"
	assetsync "github.com/schaermu/assetsync/internal/sync"
	"github.com/schaermu/assetsync/internal/syncerr"
)

// Engine is the operation surface the server drives
type Engine interface {
	Start(ctx context.Context, req assetsync.Request) (*assetsync.Operation, error)
	Pause() error
	Resume() error
	Cancel() error
	CancelKind(kind assetsync.Kind) error
	Status() assetsync.Status
}

const (
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

var upgrader = websocket.Upgrader{
	// The UI is served from a local origin that differs from the API port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the command surface and the progress stream over HTTP
type Server struct {
	engine Engine
	hub    *Hub
	cfg    config.ServeConfig
	logger *slog.Logger

	// opCtx bounds operations started over HTTP; they outlive the request.
	opCtx context.Context
}

// NewServer creates a new command server
func NewServer(engine Engine, hub *Hub, cfg config.ServeConfig, logger *slog.Logger) *Server {
	return &Server{
		engine: engine,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		opCtx:  context.Background(),
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sync", s.handleSync)
	mux.HandleFunc("POST /api/v1/pause", s.handleControl(s.engine.Pause))
	mux.HandleFunc("POST /api/v1/resume", s.handleControl(s.engine.Resume))
	mux.HandleFunc("POST /api/v1/cancel", s.handleControl(s.engine.Cancel))
	mux.HandleFunc("POST /api/v1/repair", s.handleRepair)
	mux.HandleFunc("POST /api/v1/repair/cancel", s.handleControl(func() error {
		return s.engine.CancelKind(assetsync.KindRepair)
	}))
	mux.HandleFunc("POST /api/v1/verify", s.handleVerify)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.cfg.Metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return metrics.Middleware(mux)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Operations started over HTTP are cancelled with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.opCtx = ctx

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("command server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down command server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type startResponse struct {
	OperationID string         `json:"operationId"`
	Kind        assetsync.Kind `json:"kind"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.start(w, assetsync.Request{
		Kind:        assetsync.KindInstall,
		InstallPath: q.Get("install_path"),
		Channel:     q.Get("channel"),
	})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode := assetsync.RepairMode(q.Get("mode"))
	switch mode {
	case "":
		mode = assetsync.RepairQuick
	case assetsync.RepairQuick, assetsync.RepairFull:
	default:
		writeError(w, http.StatusBadRequest, "mode must be quick or full")
		return
	}

	var sizeOnly bool
	if v := q.Get("size_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "size_only must be a boolean")
			return
		}
		sizeOnly = b
	}

	s.start(w, assetsync.Request{
		Kind:        assetsync.KindRepair,
		InstallPath: q.Get("install_path"),
		Repair:      assetsync.RepairOptions{Mode: mode, SizeOnly: sizeOnly},
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.start(w, assetsync.Request{
		Kind:        assetsync.KindVerify,
		InstallPath: r.URL.Query().Get("install_path"),
	})
}

func (s *Server) start(w http.ResponseWriter, req assetsync.Request) {
	op, err := s.engine.Start(s.opCtx, req)
	if err != nil {
		s.logger.Info("rejecting operation", "kind", req.Kind, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("operation accepted", "kind", op.Kind, "operation", op.ID)
	writeJSON(w, http.StatusAccepted, startResponse{OperationID: op.ID, Kind: op.Kind})
}

func (s *Server) handleControl(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.engine.Status())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleEvents streams progress events over a websocket until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()
	s.logger.Debug("progress subscriber connected", "remote", r.RemoteAddr)

	// The server's read deadline survives the hijack; pongs extend it.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients never send anything; reading surfaces their close frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				s.logger.Warn("dropping slow progress subscriber", "remote", r.RemoteAddr)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrBusy), errors.Is(err, syncerr.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
