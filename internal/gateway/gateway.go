// Package gateway serves the control plane's HTTP surface: the webhook
// mount for each active channel adapter, the health endpoint, and the
// websocket event feed that editor clients subscribe to. The gateway
// owns no domain state. Webhook requests go straight to the mounted
// adapter, and the feed relays selected bus events outward.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/runqueue"
)

// Config carries the gateway's collaborators and settings.
type Config struct {
	// AuthToken guards the event feed. Clients present it as a bearer
	// token or a token query parameter. Empty rejects every feed
	// connection.
	AuthToken string

	// AllowOrigins is the Origin allowlist for browser connections to
	// the feed. Same-origin requests are always accepted.
	AllowOrigins []string

	// Bus supplies the events the feed relays. Nil disables the relay.
	Bus *bus.Bus

	// Outbox and Runs feed the healthz counters. Either may be nil.
	Outbox *outbox.Store
	Runs   *runqueue.Store

	Logger *slog.Logger

	// NowMs supplies time; nil uses the wall clock.
	NowMs func() int64
}

// Server is the HTTP front of the control plane.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux

	mountsMu sync.RWMutex
	mounts   []string

	clientsMu sync.RWMutex
	clients   map[*feedClient]struct{}

	ready    atomic.Bool
	draining atomic.Bool
}

// New builds a Server with the fixed routes registered. Channel
// adapters are added with Mount before serving starts.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*feedClient]struct{}{},
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/ws/events", s.handleWS)
	return s
}

// Mount registers a channel adapter at /webhooks/<name>. The adapter
// enforces its own method gate and verification.
func (s *Server) Mount(name string, h http.Handler) {
	s.mux.Handle("/webhooks/"+name, h)
	s.mountsMu.Lock()
	s.mounts = append(s.mounts, name)
	sort.Strings(s.mounts)
	s.mountsMu.Unlock()
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// SetReady marks bootstrap complete. Healthz answers 503 until then.
func (s *Server) SetReady() { s.ready.Store(true) }

// BeginDrain flips healthz to draining for the rest of shutdown.
func (s *Server) BeginDrain() { s.draining.Store(true) }

func (s *Server) now() int64 {
	if s.cfg.NowMs == nil {
		return time.Now().UnixMilli()
	}
	return s.cfg.NowMs()
}

func (s *Server) channelNames() []string {
	s.mountsMu.RLock()
	defer s.mountsMu.RUnlock()
	out := make([]string, len(s.mounts))
	copy(out, s.mounts)
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	switch {
	case s.draining.Load():
		status, code = "draining", http.StatusServiceUnavailable
	case !s.ready.Load():
		status, code = "starting", http.StatusServiceUnavailable
	}

	pending := 0
	if s.cfg.Outbox != nil {
		pending, _, _ = s.cfg.Outbox.Counts()
	}
	active := 0
	if s.cfg.Runs != nil {
		active = s.cfg.Runs.Counts()[runqueue.StatusActive]
	}

	payload := map[string]any{
		"status":         status,
		"channels":       s.channelNames(),
		"outbox_pending": pending,
		"runs_active":    active,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token := ""
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		token = strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	if token == "" {
		// Browser websocket clients cannot set request headers.
		token = r.URL.Query().Get("token")
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}
