// internal/gateway/server.go
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"verifier-dispatch/internal/domain"
	"verifier-dispatch/internal/metrics"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the gateway.
type Config struct {
	MaxVerifiers          int
	HeartbeatInterval     time.Duration
	HeartbeatTTL          time.Duration
	VisibilityTimeout     time.Duration
	ForwardBlock          time.Duration
	DefaultMaxConcurrency int
	// ForwardBatch bounds how many assignments one read of the private log returns.
	ForwardBatch int
	// ReplayLimit is the page size of the unacknowledged-delivery sweep.
	ReplayLimit int
	// OriginPatterns are passed to the websocket handshake; empty allows non-browser clients only.
	OriginPatterns []string
}

// Server terminates verifier websocket connections. It holds no durable
// state of its own, only open connection handles.
type Server struct {
	queue    domain.Queue
	presence domain.Presence
	auth     *Authenticator
	cfg      Config
	clock    clockwork.Clock
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new gateway.
func NewServer(queue domain.Queue, presence domain.Presence, auth *Authenticator, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Server {
	if cfg.MaxVerifiers <= 0 {
		cfg.MaxVerifiers = 100
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 10 * time.Second
	}
	if cfg.ForwardBlock <= 0 {
		cfg.ForwardBlock = 5 * time.Second
	}
	if cfg.ForwardBatch <= 0 {
		cfg.ForwardBatch = 10
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 1000
	}
	if cfg.DefaultMaxConcurrency <= 0 {
		cfg.DefaultMaxConcurrency = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		queue:    queue,
		presence: presence,
		auth:     auth,
		cfg:      cfg,
		clock:    clock,
		validate: validator.New(),
		logger:   logger.With("component", "gateway"),
		tracer:   otel.Tracer("verifier-dispatch-gateway"),
		base:     base,
		cancel:   cancel,
	}
}

// RegisterRoutes registers the websocket endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", s)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	identity, err := s.auth.Authenticate(credential(r))
	if err != nil {
		code, reason := CloseInvalidCredential, "invalid_credential"
		if errors.Is(err, domain.ErrMissingCredential) {
			code, reason = CloseMissingCredential, "missing_credential"
		}
		s.reject(conn, code, reason, err)
		return
	}

	active, err := s.presence.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to count active verifiers", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}
	if len(active) >= s.cfg.MaxVerifiers && !slices.Contains(active, identity.WorkerID) {
		s.reject(conn, CloseCapacityExceeded, "capacity", domain.ErrAtCapacity)
		return
	}

	maxConcurrency := identity.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = s.cfg.DefaultMaxConcurrency
	}
	sess := &session{
		server:         s,
		conn:           conn,
		workerID:       identity.WorkerID,
		connID:         uuid.NewString(),
		maxConcurrency: maxConcurrency,
		logger:         s.logger.With("worker_id", identity.WorkerID, "remote", r.RemoteAddr),
	}
	sess.serve(ctx)
}

func (s *Server) reject(conn *websocket.Conn, code websocket.StatusCode, reason string, err error) {
	metrics.GatewayRejected.WithLabelValues(reason).Inc()
	s.logger.Warn("connection refused", "reason", reason, "code", int(code), "error", err)
	_ = conn.Close(code, reason)
}

// Shutdown terminates every open connection and waits for their loops to
// finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
