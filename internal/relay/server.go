package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"doomcode/go-backend/internal/config"
	"doomcode/go-backend/internal/platform/privacylog"
	"doomcode/go-backend/internal/platform/ratelimiter"
	"doomcode/go-backend/internal/relay/store"
)

const sweepInterval = time.Minute

// Server is the stateless relay process: HTTP bootstrap endpoints,
// the websocket upgrade, metrics, and the store janitor.
type Server struct {
	cfg     config.RelayConfig
	store   *store.Store
	hub     *Hub
	log     *slog.Logger
	limiter *ratelimiter.MapLimiter
	reg     *prometheus.Registry

	upgrader websocket.Upgrader
}

func NewServer(cfg config.RelayConfig, logHandler slog.Handler) *Server {
	st := store.New()
	log := slog.New(privacylog.Wrap(logHandler))
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, st)
	return &Server{
		cfg:     cfg,
		store:   st,
		hub:     NewHub(st, metrics, log),
		log:     log,
		limiter: ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		reg:     reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay authenticates nothing; payload secrecy is
			// end to end, so cross-origin upgrades are accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Store exposes the state store. Tests only.
func (s *Server) Store() *store.Store { return s.store }

// Handler builds the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", s.limited(s.handleCreateSession))
	mux.HandleFunc("GET /session/{id}", s.limited(s.handleGetSession))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.limited(s.handleWS))
	return mux
}

// Run serves until the context is cancelled, sweeping the store on a
// fixed cadence.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if dropped := s.store.Sweep(); dropped > 0 {
					s.log.Info("expired sessions swept", "dropped", dropped)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("relay listening", "addr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host, time.Now()) {
			http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.store.CreateSession(uuid.NewString())
	s.hub.metrics.SessionCreated()
	s.log.Info("session created over http", "session_id", sess.ID)
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     sess.ID,
		"hasController": sess.Controller != nil,
		"hasOperator":   sess.Operator != nil,
		"createdAt":     sess.CreatedAt.UnixMilli(),
		"expiresAt":     sess.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleWS upgrades and runs the per-connection reader loop. The
// writer pump runs beside it; the hub fields every decoded frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := newConn(uuid.NewString(), ws)
	s.hub.Register(c)
	go c.writePump()

	defer s.hub.Disconnect(c)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.hub.HandleFrame(c, raw)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
