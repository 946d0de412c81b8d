// internal/gateway/session.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"verifier-dispatch/internal/domain"
	"verifier-dispatch/internal/metrics"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	errPeerClosed       = errors.New("peer closed connection")
	errHeartbeatTimeout = errors.New("no message within heartbeat ttl")
	errLogRead          = errors.New("assignment log read failed")
)

const (
	writeTimeout   = 5 * time.Second
	cleanupTimeout = 3 * time.Second
	retryPause     = time.Second
)

// session is one accepted verifier connection. Its forward and receive loops
// share only the connection handle and the worker id.
type session struct {
	server         *Server
	conn           *websocket.Conn
	workerID       string
	connID         string
	maxConcurrency int
	logger         *slog.Logger

	lastSeen atomic.Int64
}

func (s *session) serve(ctx context.Context) {
	srv := s.server
	s.logger.Info("verifier connected", "conn_id", s.connID, "max_concurrency", s.maxConcurrency)

	if err := srv.presence.Register(ctx, s.workerID, s.connID, s.maxConcurrency); err != nil {
		s.logger.Error("failed to register presence", "error", err)
		_ = s.conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}
	metrics.GatewayConnections.Inc()
	defer metrics.GatewayConnections.Dec()
	defer s.cleanup(ctx)

	if err := srv.queue.EnsureDelivery(ctx, s.workerID); err != nil {
		s.logger.Error("failed to open assignment log", "error", err)
		_ = s.conn.Close(websocket.StatusInternalError, "assignment log unavailable")
		return
	}

	info := &InfoMessage{
		Type:                KindInfo,
		WorkerID:            s.workerID,
		HeartbeatIntervalMs: srv.cfg.HeartbeatInterval.Milliseconds(),
		HeartbeatTTLMs:      srv.cfg.HeartbeatTTL.Milliseconds(),
		VisibilityTimeoutMs: srv.cfg.VisibilityTimeout.Milliseconds(),
		MaxConcurrency:      s.maxConcurrency,
	}
	if err := s.write(ctx, info); err != nil {
		s.logger.Warn("failed to send welcome", "error", err)
		_ = s.conn.CloseNow()
		return
	}

	s.touch()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.forwardLoop(gctx) })
	g.Go(func() error { return s.watchdog(gctx) })
	// Reads never see a cancelled context, the closer below ends them by closing the connection.
	g.Go(func() error { return s.receiveLoop(context.WithoutCancel(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		s.close(ctx, context.Cause(gctx))
		return nil
	})
	_ = g.Wait()
}

// close ends the connection with the code matching why the session stopped.
func (s *session) close(ctx context.Context, cause error) {
	switch {
	case errors.Is(cause, errPeerClosed):
		s.logger.Info("verifier disconnected")
		_ = s.conn.CloseNow()
	case errors.Is(cause, errHeartbeatTimeout):
		s.logger.Warn("verifier silent past heartbeat ttl, closing")
		_ = s.conn.Close(CloseHeartbeatTimeout, "heartbeat timeout")
	case s.server.base.Err() != nil:
		_ = s.conn.Close(CloseServerShuttingDown, "server shutting down")
	case ctx.Err() != nil:
		_ = s.conn.CloseNow()
	case cause != nil:
		s.logger.Warn("connection terminated", "error", cause)
		_ = s.conn.Close(websocket.StatusInternalError, "connection error")
	default:
		_ = s.conn.Close(CloseNormal, "")
	}
}

// cleanup deregisters presence, which publishes the rebalance signal, unless
// a newer connection of the same worker registered meanwhile. Outstanding
// assignments stay pending until the timeout scan reclaims them.
func (s *session) cleanup(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.server.presence.Deregister(cctx, s.workerID, s.connID); err != nil {
		s.logger.Error("failed to deregister presence", "error", err)
	}
}

// forwardLoop relays the worker's private log over the connection. Whenever
// no new entry arrives within one block it resends unacknowledged entries the
// session has not sent, which covers both reconnect replay and entries that a
// previous session's read took but never delivered.
func (s *session) forwardLoop(ctx context.Context) error {
	srv := s.server
	sent := make(map[string]struct{})

	for ctx.Err() == nil {
		if err := s.resendPending(ctx, sent); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, errLogRead) {
				return err
			}
			s.logger.Error("failed to read pending assignments", "error", err)
			if !s.pause(ctx) {
				return nil
			}
			continue
		}

		for ctx.Err() == nil {
			assignments, err := srv.queue.ReadDeliveries(ctx, s.workerID, srv.cfg.ForwardBatch, srv.cfg.ForwardBlock)
			if ctx.Err() != nil {
				// Entries read after the session ended stay pending for the next one.
				return nil
			}
			if err != nil {
				s.logger.Error("failed to read assignment log", "error", err)
				if !s.pause(ctx) {
					return nil
				}
				break
			}
			if len(assignments) == 0 {
				break
			}
			for _, a := range assignments {
				if err := s.forward(ctx, a); err != nil {
					return err
				}
				sent[a.DeliveryID] = struct{}{}
			}
		}
	}
	return nil
}

// resendPending walks the worker's unacknowledged entries page by page,
// forwards those this session has not sent and forgets sent entries that
// left the pending list.
func (s *session) resendPending(ctx context.Context, sent map[string]struct{}) error {
	srv := s.server
	pending := make(map[string]struct{}, len(sent))
	resent := 0
	after := ""

	for {
		page, err := srv.queue.PendingDeliveries(ctx, s.workerID, after, srv.cfg.ReplayLimit)
		if err != nil {
			return fmt.Errorf("%w: %w", errLogRead, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, a := range page {
			after = a.DeliveryID
			pending[a.DeliveryID] = struct{}{}
			if _, ok := sent[a.DeliveryID]; ok {
				continue
			}
			if err := s.forward(ctx, a); err != nil {
				return err
			}
			sent[a.DeliveryID] = struct{}{}
			resent++
		}
		if len(page) < srv.cfg.ReplayLimit {
			break
		}
	}

	for id := range sent {
		if _, ok := pending[id]; !ok {
			delete(sent, id)
		}
	}
	if resent > 0 {
		s.logger.Info("resent unacknowledged assignments", "count", resent)
	}
	return nil
}

func (s *session) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.server.clock.After(retryPause):
		return true
	}
}

func (s *session) forward(ctx context.Context, a *domain.Assignment) error {
	srv := s.server
	live, err := srv.queue.IsLive(ctx, s.workerID, a.TaskID)
	if err != nil {
		return err
	}
	if !live {
		s.logger.Debug("dropping stale delivery", "task_id", a.TaskID, "delivery_id", a.DeliveryID)
		return srv.queue.DiscardDelivery(ctx, s.workerID, a.DeliveryID)
	}

	msg := &AssignMessage{
		Type:       KindAssign,
		AnnID:      a.TaskID,
		Payload:    a.Payload,
		DeadlineMs: a.Deadline(srv.cfg.VisibilityTimeout).UnixMilli(),
		AssignedAt: a.AssignedAt.UnixMilli(),
		RetryCount: a.RetryCount,
	}
	if err := s.write(ctx, msg); err != nil {
		return fmt.Errorf("failed to forward assignment %s: %w", a.TaskID, err)
	}
	s.logger.Debug("assignment forwarded", "task_id", a.TaskID, "retry_count", a.RetryCount)
	return nil
}

// receiveLoop handles inbound messages until the connection fails or closes.
func (s *session) receiveLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return errPeerClosed
			}
			return fmt.Errorf("read failed: %w", err)
		}
		s.touch()
		if typ != websocket.MessageText {
			s.protocolError("binary frame", nil)
			continue
		}
		s.handle(ctx, data)
	}
}

// watchdog treats a connection that stays silent for a whole heartbeat ttl
// as abruptly disconnected.
func (s *session) watchdog(ctx context.Context) error {
	ttl := s.server.cfg.HeartbeatTTL
	ticker := s.server.clock.NewTicker(watchdogPeriod(ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			last := time.Unix(0, s.lastSeen.Load())
			if s.server.clock.Since(last) > ttl {
				return errHeartbeatTimeout
			}
		}
	}
}

func watchdogPeriod(ttl time.Duration) time.Duration {
	p := ttl / 4
	if p < 10*time.Millisecond {
		p = 10 * time.Millisecond
	}
	return p
}

func (s *session) touch() {
	s.lastSeen.Store(s.server.clock.Now().UnixNano())
}

func (s *session) handle(ctx context.Context, data []byte) {
	srv := s.server
	var env inbound
	if err := json.Unmarshal(data, &env); err != nil {
		s.protocolError("malformed message", err)
		return
	}

	switch env.Type {
	case KindHeartbeat:
		if err := srv.presence.Heartbeat(ctx, s.workerID, s.connID); err != nil {
			s.logger.Error("failed to refresh heartbeat", "error", err)
		}
	case KindAck:
		var ack AckMessage
		if err := json.Unmarshal(data, &ack); err != nil {
			s.protocolError("malformed ack", err)
			return
		}
		if err := srv.validate.Struct(&ack); err != nil {
			s.protocolError("invalid ack", err)
			return
		}
		s.ack(ctx, &ack)
	case KindRequestMore:
		if err := srv.presence.Signal(ctx, "request_more:"+s.workerID); err != nil {
			s.logger.Warn("failed to signal rebalance", "error", err)
		}
	default:
		s.protocolError("unknown message kind", fmt.Errorf("kind %q", env.Type))
	}
}

func (s *session) ack(ctx context.Context, ack *AckMessage) {
	srv := s.server
	ctx, span := srv.tracer.Start(ctx, "gateway.Ack")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", ack.AnnID), attribute.String("ack.status", ack.Status))

	status, err := domain.ParseAckStatus(ack.Status)
	if err != nil {
		s.protocolError("invalid ack status", err)
		return
	}

	res, err := srv.queue.Ack(ctx, s.workerID, ack.AnnID, status, ack.Note, srv.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ack failed")
		s.logger.Error("failed to apply ack", "task_id", ack.AnnID, "error", err)
		return
	}

	switch res {
	case domain.AckNoop:
		metrics.GatewayDuplicateAcks.Inc()
		s.logger.Info("ack matched no live assignment", "task_id", ack.AnnID, "status", ack.Status)
	default:
		metrics.GatewayAcks.WithLabelValues(ack.Status).Inc()
		s.logger.Info("assignment acknowledged", "task_id", ack.AnnID, "status", ack.Status)
	}
}

func (s *session) protocolError(msg string, err error) {
	metrics.ProtocolErrors.Inc()
	s.logger.Warn("protocol error, message dropped", "reason", msg, "error", err)
}

// write sends one JSON message. A cancelled write context closes the
// connection, so only the write timeout bounds it.
func (s *session) write(ctx context.Context, v interface{}) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, v)
}
