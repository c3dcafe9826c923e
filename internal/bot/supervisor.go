package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lumaoDoggie/grvt-transfer/internal/store"
)

// ErrAlreadyRunning means another process holds a live bot lock.
var ErrAlreadyRunning = errors.New("another bot instance holds the lock")

const (
	watchdogInterval = 30 * time.Second
	heartbeatStale   = 60 * time.Second
	restartWait      = 3 * time.Second
	lockStaleAfter   = 30 * time.Second
)

// Supervisor owns the worker's lifecycle: it takes the single-instance
// lock, runs the worker, and restarts it when the heartbeat stops moving
// (a wedged long-poll keeps the goroutine alive but silent, so liveness
// is judged by the persisted heartbeat, not the goroutine).
type Supervisor struct {
	st     *store.Store
	logger *slog.Logger

	// startWorker blocks until its context is cancelled.
	startWorker func(ctx context.Context)

	checkEvery time.Duration
	staleAfter time.Duration
	waitBefore time.Duration
	lockStale  time.Duration
	now        func() time.Time

	mu           sync.Mutex
	cancelWorker context.CancelFunc
	startedAt    time.Time
}

func NewSupervisor(worker *Worker, st *store.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		st:          st,
		logger:      logger.With("component", "bot-supervisor"),
		startWorker: worker.Run,
		checkEvery:  watchdogInterval,
		staleAfter:  heartbeatStale,
		waitBefore:  restartWait,
		lockStale:   lockStaleAfter,
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled. Returns ErrAlreadyRunning when a
// live lock blocks startup.
func (s *Supervisor) Run(ctx context.Context) error {
	ok, err := s.st.AcquireLock(s.lockStale)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := s.st.ReleaseLock(); err != nil {
			s.logger.Warn("release lock failed", "error", err)
		}
	}()

	s.spawn(ctx)
	defer s.stopWorker()

	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.heartbeatStale() {
				s.restart(ctx)
			}
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelWorker = cancel
	s.startedAt = s.now()
	s.mu.Unlock()
	go s.startWorker(wctx)
}

func (s *Supervisor) stopWorker() {
	s.mu.Lock()
	cancel := s.cancelWorker
	s.cancelWorker = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) restart(ctx context.Context) {
	s.logger.Warn("worker heartbeat stale, restarting")
	s.stopWorker()
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.waitBefore):
	}
	s.spawn(ctx)
}

// heartbeatStale reports whether the worker stopped writing heartbeats.
// Before the first heartbeat the worker's start time stands in for it.
func (s *Supervisor) heartbeatStale() bool {
	st, err := s.st.LoadBotState()
	if err != nil {
		s.logger.Warn("bot state unreadable", "error", err)
		return false
	}

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	last := startedAt
	if st.HeartbeatTS > 0 {
		hb := time.Unix(0, int64(st.HeartbeatTS*float64(time.Second)))
		if hb.After(last) {
			last = hb
		}
	}
	return s.now().Sub(last) > s.staleAfter
}
