package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheerbytes/blockflux/pkg/protocol"
)

const (
	DefaultPushInterval = time.Second
	writeTimeout        = 10 * time.Second
)

// Source supplies the sender state served by the debug endpoints.
type Source interface {
	Snapshot() protocol.SenderSnapshot
}

// Server exposes metrics and scheduler state over HTTP.
type Server struct {
	router   chi.Router
	source   Source
	logger   *slog.Logger
	interval time.Duration
	upgrader websocket.Upgrader
}

// New builds the router. interval paces websocket pushes; zero uses
// DefaultPushInterval.
func New(gatherer prometheus.Gatherer, source Source, logger *slog.Logger, interval time.Duration) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	s := &Server{
		source:   source,
		logger:   logger,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/scheduler", s.handleSnapshot)
	r.Get("/ws/scheduler", s.handleStream)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("debug server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) envelope() (protocol.Envelope, error) {
	snap := s.source.Snapshot()
	env, err := protocol.NewEnvelope(protocol.TypeSenderSnapshot, protocol.NewMsgID(), snap)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return env.WithSession(snap.SessionID), nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	env, err := s.envelope()
	if err != nil {
		s.logger.Error("failed to create snapshot envelope", "error", err)
		sendError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// handleStream pushes a snapshot every interval until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		// drain control frames; any read error means the client left
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		env, err := s.envelope()
		if err != nil {
			s.logger.Error("failed to create snapshot envelope", "error", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(env); err != nil {
			s.logger.Debug("snapshot push failed", "error", err)
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), protocol.Error{
		Code:    http.StatusText(status),
		Message: message,
	})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	writeJSON(w, status, env)
}
