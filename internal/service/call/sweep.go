package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
)

// ExpiredHandler receives every call the sweep ended as MISSED
type ExpiredHandler interface {
	HandleExpired(ctx context.Context, outcome Outcome)
}

// ExpiredHandlerFunc adapts a function to ExpiredHandler
type ExpiredHandlerFunc func(ctx context.Context, outcome Outcome)

// HandleExpired calls f
func (f ExpiredHandlerFunc) HandleExpired(ctx context.Context, outcome Outcome) {
	f(ctx, outcome)
}

// Sweeper ends ringing calls nobody answered within the ring timeout. It runs a
// periodic scan and also serves as the registry's per-session timer hook, so the
// common case fires at the exact deadline and the scan catches the rest.
type Sweeper struct {
	registry *Registry
	handler  ExpiredHandler
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper and installs it as the registry's expiry hook
func NewSweeper(registry *Registry, handler ExpiredHandler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = constants.SweepInterval
	}
	s := &Sweeper{
		registry: registry,
		handler:  handler,
		interval: interval,
		now:      registry.now,
	}
	registry.SetExpiryHook(s.expire)
	return s
}

// Run scans on every tick until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	logger.Info("Starting call timeout sweep",
		zap.Duration("interval", s.interval),
		zap.Duration("ring_timeout", s.registry.RingTimeout()))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Call timeout sweep stopped")
			return nil
		case <-ticker.C:
			if n := s.SweepOnce(ctx); n > 0 {
				logger.Info("Swept unanswered calls", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce expires every ringing session older than the ring timeout that
// nobody but the initiator joined, and returns how many it ended
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.registry.RingTimeout())
	ended := 0

	for _, sess := range s.registry.Snapshot() {
		if sess.Status != domain.CallStatusDialing || len(sess.Participants) > 1 || sess.CreatedAt.After(cutoff) {
			continue
		}
		if s.expireCall(ctx, sess.ChatID, sess.ID) {
			ended++
		}
	}
	return ended
}

// expire is the ring timer hook
func (s *Sweeper) expire(chatID, callID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	s.expireCall(ctx, chatID, callID)
}

func (s *Sweeper) expireCall(ctx context.Context, chatID, callID uuid.UUID) bool {
	outcome, err := s.registry.Expire(chatID, callID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("Failed to expire call",
				zap.String("chat_id", chatID.String()),
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
		// already answered, ended, or expired by the other path
		return false
	}

	logger.Info("Call missed",
		zap.String("chat_id", chatID.String()),
		zap.String("call_id", callID.String()))

	if s.handler != nil {
		s.handler.HandleExpired(ctx, outcome)
	}
	return true
}
