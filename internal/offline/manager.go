package offline

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/db"
	"github.com/codetaoist/taishanglaojun/internal/errors"
	"github.com/codetaoist/taishanglaojun/internal/logging"
	"github.com/codetaoist/taishanglaojun/internal/models"
	"github.com/codetaoist/taishanglaojun/internal/uuid"
)

// Applier applies a queued operation to the sync core. Returning an error
// schedules a retry; the manager decides when retries are exhausted.
type Applier interface {
	Apply(op *models.OfflineOperation) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(op *models.OfflineOperation) error

func (f ApplierFunc) Apply(op *models.OfflineOperation) error { return f(op) }

// FailedOperation names an operation dropped after exhausting its
// retries, with the coded error that killed it.
type FailedOperation struct {
	ID  models.UUID
	Err error
}

// ProcessReport summarizes one queue processing pass.
type ProcessReport struct {
	Processed int
	Requeued  int
	Failed    []FailedOperation
}

// Manager owns the offline state: the pending operation queue, the local
// cache and the conflict inbox. Queue and cache live in memory for speed
// and are mirrored to storage so a restart loses nothing.
type Manager struct {
	repo  *db.Repository
	queue *Queue
	cache *Cache
	cfg   *config.SyncConfig
}

// NewManager creates a Manager and reloads persisted queue and cache
// state from storage.
func NewManager(repo *db.Repository, cfg *config.SyncConfig) (*Manager, error) {
	m := &Manager{
		repo:  repo,
		queue: NewQueue(cfg.MaxQueueSize),
		cache: NewCache(cfg.MaxCacheBytes),
		cfg:   cfg,
	}

	ops, err := repo.ListAllOfflineOperations()
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to reload offline queue", err)
	}
	for _, op := range ops {
		if err := m.queue.Enqueue(op); err != nil {
			// More persisted operations than the configured capacity.
			// Keep the overflow in storage; it re-enters on later passes.
			logging.Warn("Persisted operation exceeds queue capacity", map[string]interface{}{
				"operation_id": op.ID,
			})
			break
		}
	}

	entries, err := repo.ListCacheEntries()
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to reload cache", err)
	}
	m.cache.Restore(entries)

	logging.Info("Offline state reloaded", map[string]interface{}{
		"queued_operations": m.queue.Len(),
		"cached_entries":    m.cache.Len(),
	})
	return m, nil
}

// EnqueueOperation queues a write for later application. The operation is
// persisted before it is acknowledged; a full queue rejects the operation
// without persisting anything.
func (m *Manager) EnqueueOperation(userID, deviceID string, opType models.Operation, dataType models.DataType, dataID string, payload json.RawMessage, priority models.Priority) (*models.OfflineOperation, error) {
	if userID == "" || deviceID == "" || dataID == "" {
		return nil, errors.New(errors.ErrInvalid, "user_id, device_id and data_id are required")
	}
	if !opType.IsValid() {
		return nil, errors.New(errors.ErrInvalid, "unknown operation: "+string(opType))
	}
	if !dataType.IsValid() {
		return nil, errors.New(errors.ErrInvalid, "unknown data type: "+string(dataType))
	}
	if !priority.IsValid() {
		priority = models.PriorityNormal
	}

	op := &models.OfflineOperation{
		ID:            models.UUID(uuid.New()),
		UserID:        userID,
		DeviceID:      deviceID,
		OperationType: opType,
		DataType:      dataType,
		DataID:        dataID,
		Payload:       payload,
		CreatedAt:     time.Now().UnixNano(),
		MaxRetries:    m.cfg.MaxRetries,
		Priority:      priority,
	}

	if err := m.queue.Enqueue(op); err != nil {
		return nil, err
	}
	if err := m.repo.InsertOfflineOperation(op); err != nil {
		m.queue.Remove(op.ID)
		return nil, errors.Transient(errors.ErrDatabase, "failed to persist operation", err)
	}

	logging.Debug("Operation queued", map[string]interface{}{
		"operation_id": op.ID,
		"data_id":      op.DataID,
		"priority":     op.Priority.String(),
	})
	return op, nil
}

// GetOfflineQueue returns a user's pending operations in processing order.
func (m *Manager) GetOfflineQueue(userID string) []*models.OfflineOperation {
	var ops []*models.OfflineOperation
	for _, op := range m.queue.Snapshot() {
		if op.UserID == userID {
			ops = append(ops, op)
		}
	}
	return ops
}

// QueueLen returns the number of pending operations.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// ProcessQueue drains up to batch-size operations through the applier.
// A failed operation keeps its original created_at and goes back into the
// queue, but stays ineligible until the configured retry delay passes;
// once its retries are exhausted it is dropped from queue and storage and
// reported in the returned report.
func (m *Manager) ProcessQueue(applier Applier) (*ProcessReport, error) {
	report := &ProcessReport{}
	now := time.Now().UnixNano()
	var deferred []*models.OfflineOperation

	for i := 0; i < m.cfg.BatchSize; i++ {
		op := m.queue.Dequeue()
		if op == nil {
			break
		}
		if op.RetryAt > now {
			deferred = append(deferred, op)
			continue
		}

		err := applier.Apply(op)
		if err == nil {
			if derr := m.repo.DeleteOfflineOperation(op.ID); derr != nil {
				return report, errors.Transient(errors.ErrDatabase, "failed to remove applied operation", derr)
			}
			report.Processed++
			continue
		}

		op.RetryCount++
		if op.RetryCount >= op.MaxRetries {
			if derr := m.repo.DeleteOfflineOperation(op.ID); derr != nil {
				return report, errors.Transient(errors.ErrDatabase, "failed to remove exhausted operation", derr)
			}
			permErr := errors.Wrap(errors.ErrRetryExhausted,
				"retries exhausted for operation "+op.ID.String(), err)
			report.Failed = append(report.Failed, FailedOperation{ID: op.ID, Err: permErr})
			logging.Error("Operation failed permanently", permErr, map[string]interface{}{
				"operation_id": op.ID,
				"data_id":      op.DataID,
				"retries":      op.RetryCount,
			})
			continue
		}

		op.RetryAt = time.Now().Add(m.cfg.RetryDelay).UnixNano()
		if uerr := m.repo.UpdateOperationRetry(op.ID, op.RetryCount); uerr != nil {
			return report, errors.Transient(errors.ErrDatabase, "failed to persist retry count", uerr)
		}
		if qerr := m.queue.Enqueue(op); qerr != nil {
			// Queue filled up between dequeue and requeue. The operation
			// stays persisted and re-enters on a later reload.
			logging.Warn("Requeue rejected, operation kept in storage", map[string]interface{}{
				"operation_id": op.ID,
				"error":        qerr.Error(),
			})
		}
		report.Requeued++
		logging.Warn("Operation failed, scheduled for retry", map[string]interface{}{
			"error":        err.Error(),
			"operation_id": op.ID,
			"retry":        op.RetryCount,
			"max_retries":  op.MaxRetries,
		})
	}

	// Operations still inside their retry delay go straight back
	for _, op := range deferred {
		if qerr := m.queue.Enqueue(op); qerr != nil {
			logging.Warn("Requeue rejected, operation kept in storage", map[string]interface{}{
				"operation_id": op.ID,
				"error":        qerr.Error(),
			})
		}
	}
	return report, nil
}

// CacheData stores a payload in the local cache under the given key.
// A zero ttl falls back to the configured default; a negative ttl stores
// the entry without an expiry, so it lives until evicted or removed.
func (m *Manager) CacheData(key string, dataType models.DataType, payload []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New(errors.ErrInvalid, "cache key is required")
	}

	now := time.Now()
	var expiresAt int64
	switch {
	case ttl > 0:
		expiresAt = now.Add(ttl).UnixNano()
	case ttl == 0:
		expiresAt = now.Add(m.cfg.CacheTTL).UnixNano()
	}

	entry := &models.CacheEntry{
		Key:       key,
		Payload:   payload,
		DataType:  dataType,
		CreatedAt: now.UnixNano(),
		ExpiresAt: expiresAt,
		SizeBytes: int64(len(payload)),
	}

	evicted := m.cache.Put(entry)
	if err := m.repo.UpsertCacheEntry(entry); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to persist cache entry", err)
	}
	for _, k := range evicted {
		if err := m.repo.DeleteCacheEntry(k); err != nil {
			return errors.Transient(errors.ErrDatabase, "failed to drop evicted entry", err)
		}
	}
	return nil
}

// GetCachedData returns a cached payload, or a cache-miss error for
// unknown and expired keys. Expired entries are removed on the read that
// finds them, in memory and in storage.
func (m *Manager) GetCachedData(key string) ([]byte, error) {
	entry, ok := m.cache.Get(key)
	if !ok {
		// Drop any stale persisted copy so a restart does not revive it
		if err := m.repo.DeleteCacheEntry(key); err != nil {
			return nil, errors.Transient(errors.ErrDatabase, "failed to drop stale entry", err)
		}
		return nil, errors.New(errors.ErrCacheMiss, "no cached data for key: "+key)
	}
	return entry.Payload, nil
}

// RemoveCachedData deletes a cache entry from memory and storage.
func (m *Manager) RemoveCachedData(key string) error {
	m.cache.Delete(key)
	if err := m.repo.DeleteCacheEntry(key); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to delete cache entry", err)
	}
	return nil
}

// CacheBytes returns the current cache footprint.
func (m *Manager) CacheBytes() int64 {
	return m.cache.TotalBytes()
}

// RecordConflict files a conflict in the inbox.
func (m *Manager) RecordConflict(c *models.SyncConflict) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixNano()
	}
	if err := m.repo.InsertConflict(c); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to record conflict", err)
	}
	return nil
}

// GetUnresolvedConflicts returns a user's open conflicts, oldest first.
func (m *Manager) GetUnresolvedConflicts(userID string) ([]*models.SyncConflict, error) {
	conflicts, err := m.repo.ListUnresolvedConflicts(userID)
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to list conflicts", err)
	}
	return conflicts, nil
}

// ResolveConflict marks an inbox conflict as resolved with the caller's
// chosen resolution, e.g. "local_wins" or "remote_wins".
func (m *Manager) ResolveConflict(id models.UUID, resolution string) error {
	if resolution == "" {
		return errors.New(errors.ErrInvalid, "resolution is required")
	}
	err := m.repo.MarkConflictResolved(id, resolution)
	if err == sql.ErrNoRows {
		return errors.New(errors.ErrConflictNotFound, "conflict not found: "+id.String())
	}
	if err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to resolve conflict", err)
	}
	return nil
}

// CleanupExpiredData drops expired cache entries and resolved conflicts
// older than the retention window. Run periodically by the scheduler.
func (m *Manager) CleanupExpiredData() error {
	now := time.Now()

	purged := m.cache.PurgeExpired(now)
	for _, key := range purged {
		if err := m.repo.DeleteCacheEntry(key); err != nil {
			return errors.Transient(errors.ErrDatabase, "failed to drop expired entry", err)
		}
	}
	// Catch entries that expired in storage but never made it into memory
	if err := m.repo.DeleteExpiredCache(now.UnixNano()); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to purge expired cache", err)
	}

	cutoff := now.Add(-m.cfg.ConflictRetention).UnixNano()
	if err := m.repo.PurgeResolvedConflictsBefore(cutoff); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to purge resolved conflicts", err)
	}

	if len(purged) > 0 {
		logging.Debug("Expired data cleaned up", map[string]interface{}{
			"cache_entries": len(purged),
		})
	}
	return nil
}
