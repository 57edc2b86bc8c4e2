package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/store"
)

// DefaultAttemptRetention is how long login attempts are kept before the
// sweep removes them.
const DefaultAttemptRetention = 90 * 24 * time.Hour

// HousekeepingService periodically cleans up expired database records to
// prevent unbounded growth of two-factor sessions and login attempts.
type HousekeepingService struct {
	Store            store.Store
	Logger           *slog.Logger
	Interval         time.Duration
	AttemptRetention time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a housekeeping service with the given
// interval. If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(st store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Store:            st,
		Logger:           logger,
		Interval:         interval,
		AttemptRetention: DefaultAttemptRetention,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs cleanup.
// This is non-blocking and should be called after the database is ready.
// Call Stop() to gracefully shutdown the worker.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the background worker.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup performs the actual deletion of expired records. Each deletion is
// independent - failures in one won't stop the others.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	now := time.Now().UTC()

	if n, err := s.Store.TwoFactorSessions().DeleteExpired(ctx, now); err != nil {
		s.Logger.Error("failed to delete expired two-factor sessions", "error", err)
	} else if n > 0 {
		s.Logger.Debug("deleted expired two-factor sessions", "count", n)
	}

	cutoff := now.Add(-s.AttemptRetention)
	if n, err := s.Store.LoginAttempts().DeleteOlderThan(ctx, cutoff); err != nil {
		s.Logger.Error("failed to delete old login attempts", "error", err)
	} else if n > 0 {
		s.Logger.Debug("deleted old login attempts", "count", n)
	}
}
