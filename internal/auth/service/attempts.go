package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
)

const defaultAttemptQueueSize = 256

// AttemptRecorder writes login attempts to the audit trail off the sign-in
// path. Recording is best-effort: when the queue is full the attempt is
// dropped and logged, never blocking or failing a sign-in.
type AttemptRecorder struct {
	store  store.Store
	log    *slog.Logger
	queue  chan domain.LoginAttempt
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAttemptRecorder creates a recorder with the given queue size. A
// non-positive size gets the default.
func NewAttemptRecorder(st store.Store, log *slog.Logger, queueSize int) *AttemptRecorder {
	if queueSize <= 0 {
		queueSize = defaultAttemptQueueSize
	}
	return &AttemptRecorder{
		store:  st,
		log:    log,
		queue:  make(chan domain.LoginAttempt, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background writer. Call Stop to drain and shut down.
func (r *AttemptRecorder) Start() {
	go r.run()
	r.log.Info("login attempt recorder started", "queue_size", cap(r.queue))
}

// Stop drains the queue and shuts the writer down.
func (r *AttemptRecorder) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.log.Info("login attempt recorder stopped")
}

// Record enqueues an attempt without blocking.
func (r *AttemptRecorder) Record(attempt domain.LoginAttempt) {
	select {
	case r.queue <- attempt:
	default:
		r.log.Warn("login attempt dropped, queue full",
			"user_id", attempt.UserID, "result", attempt.Result)
	}
}

func (r *AttemptRecorder) run() {
	defer close(r.doneCh)

	for {
		select {
		case attempt := <-r.queue:
			r.write(attempt)
		case <-r.stopCh:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case attempt := <-r.queue:
					r.write(attempt)
				default:
					return
				}
			}
		}
	}
}

func (r *AttemptRecorder) write(attempt domain.LoginAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.LoginAttempts().Create(ctx, &attempt); err != nil {
		r.log.Error("failed to record login attempt",
			"error", err, "user_id", attempt.UserID, "result", attempt.Result)
	}
}

// AttemptService exposes the audit trail to its owner.
type AttemptService struct {
	Store store.Store
}

const (
	defaultAttemptPageSize = 20
	maxAttemptPageSize     = 100
)

// List returns the user's attempts, newest first.
func (s *AttemptService) List(ctx context.Context, userID string, limit, offset int) ([]domain.LoginAttempt, error) {
	if limit <= 0 {
		limit = defaultAttemptPageSize
	}
	if limit > maxAttemptPageSize {
		limit = maxAttemptPageSize
	}
	if offset < 0 {
		offset = 0
	}

	attempts, err := s.Store.LoginAttempts().ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list login attempts: %w", err)
	}
	return attempts, nil
}

// Delete removes a single attempt owned by the user.
func (s *AttemptService) Delete(ctx context.Context, userID, attemptID string) error {
	if err := s.Store.LoginAttempts().Delete(ctx, attemptID, userID); err != nil {
		return fmt.Errorf("failed to delete login attempt: %w", err)
	}
	return nil
}

// DeleteAll clears the user's whole trail.
func (s *AttemptService) DeleteAll(ctx context.Context, userID string) error {
	if err := s.Store.LoginAttempts().DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete login attempts: %w", err)
	}
	return nil
}
