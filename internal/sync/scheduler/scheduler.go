// Package scheduler runs the background loops of the sync core: periodic
// offline-queue processing and expired-data cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/logging"
	"github.com/codetaoist/taishanglaojun/internal/offline"
)

// Scheduler drives the offline manager on timers. Queue draining only
// happens while online; cleanup runs regardless so local storage never
// grows unbounded during long offline stretches.
type Scheduler struct {
	manager *offline.Manager
	applier offline.Applier

	queueInterval   time.Duration
	cleanupInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	queueInProgress bool
	lastDrainTime   time.Time
}

// NewScheduler creates a Scheduler. The applier is what queued
// operations are drained through, typically the sync service.
func NewScheduler(manager *offline.Manager, applier offline.Applier, cfg *config.SyncConfig) *Scheduler {
	return &Scheduler{
		manager:         manager,
		applier:         applier,
		queueInterval:   cfg.QueueInterval,
		cleanupInterval: cfg.SyncInterval,
		stopCh:          make(chan struct{}),
		isOnline:        true,
	}
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.queueLoop(ctx)
	go s.cleanupLoop(ctx)

	logging.Info("Background scheduler started", nil)
}

// Stop halts the loops and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background scheduler stopped", nil)
}

// SetOnlineStatus switches the scheduler between online and offline
// mode. Offline mode keeps queueing and cleanup alive but stops drain
// attempts that would only burn retries.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isOnline != isOnline {
		logging.Info("Online status changed", map[string]interface{}{
			"is_online": isOnline,
		})
	}
	s.isOnline = isOnline
}

// IsOnline reports the scheduler's connectivity assumption.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning reports whether the loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// TriggerDrain processes the queue immediately instead of waiting for
// the next tick. Returns false if a drain is already running or the
// scheduler is offline.
func (s *Scheduler) TriggerDrain() bool {
	if !s.IsOnline() {
		return false
	}
	return s.drainQueue()
}

func (s *Scheduler) queueLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.drainQueue()
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.manager.CleanupExpiredData(); err != nil {
				logging.Error("Cleanup pass failed", err, nil)
			}
		}
	}
}

// drainQueue runs one processing pass. Passes never overlap.
func (s *Scheduler) drainQueue() bool {
	s.mu.Lock()
	if s.queueInProgress {
		s.mu.Unlock()
		return false
	}
	s.queueInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.queueInProgress = false
		s.lastDrainTime = time.Now()
		s.mu.Unlock()
	}()

	report, err := s.manager.ProcessQueue(s.applier)
	if err != nil {
		logging.Error("Queue processing failed", err, nil)
		return false
	}
	if report.Processed > 0 || report.Requeued > 0 || len(report.Failed) > 0 {
		logging.Info("Queue drained", map[string]interface{}{
			"processed": report.Processed,
			"requeued":  report.Requeued,
			"failed":    len(report.Failed),
		})
	}
	return true
}

// Status is a snapshot of the scheduler state.
type Status struct {
	IsRunning       bool
	IsOnline        bool
	QueueInProgress bool
	PendingItems    int
	LastDrainTime   *time.Time
}

// GetStatus returns the current scheduler state.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		QueueInProgress: s.queueInProgress,
		PendingItems:    s.manager.QueueLen(),
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	return status
}
