// Package db provides CRUD repository operations for the sync-core models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/models"
)

// Repository provides persistence for devices, the change journal, offline
// operations, the cache and the conflict inbox.
// Prepared statements are cached to avoid repeated SQL parsing overhead.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt

	// Per-entity locks serializing version assignment. Two concurrent
	// writers to the same (user_id, data_id) must never obtain the same
	// version number.
	versionLocks sync.Map // map[string]*sync.Mutex
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Device Operations
// =====================================================

// UpsertDevice registers a device or refreshes its metadata.
// The upsert is idempotent by device_id; created_at survives re-registration.
func (r *Repository) UpsertDevice(d *models.DeviceRecord) error {
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().UnixNano()
	}
	query := `
	INSERT INTO devices (device_id, user_id, device_type, device_name, platform, app_version, last_sync_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		user_id = excluded.user_id,
		device_type = excluded.device_type,
		device_name = excluded.device_name,
		platform = excluded.platform,
		app_version = excluded.app_version
	`
	_, err := r.db.Exec(query, d.DeviceID, d.UserID, d.DeviceType, d.DeviceName,
		d.Platform, d.AppVersion, d.LastSyncAt, d.CreatedAt)
	return err
}

// GetDevice retrieves a device by its id.
func (r *Repository) GetDevice(deviceID string) (*models.DeviceRecord, error) {
	query := `
	SELECT device_id, user_id, device_type, device_name, platform, app_version, last_sync_at, created_at
	FROM devices WHERE device_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var d models.DeviceRecord
	err = stmt.QueryRow(deviceID).Scan(&d.DeviceID, &d.UserID, &d.DeviceType,
		&d.DeviceName, &d.Platform, &d.AppVersion, &d.LastSyncAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListUserDevices returns all devices of a user, most recently synced first.
func (r *Repository) ListUserDevices(userID string) ([]*models.DeviceRecord, error) {
	query := `
	SELECT device_id, user_id, device_type, device_name, platform, app_version, last_sync_at, created_at
	FROM devices WHERE user_id = ? ORDER BY last_sync_at DESC
	`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.DeviceRecord
	for rows.Next() {
		var d models.DeviceRecord
		if err := rows.Scan(&d.DeviceID, &d.UserID, &d.DeviceType, &d.DeviceName,
			&d.Platform, &d.AppVersion, &d.LastSyncAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// TouchDeviceSync advances a device's last-sync watermark. The watermark
// only moves forward; a stale caller cannot rewind it.
func (r *Repository) TouchDeviceSync(deviceID string, syncedAt int64) error {
	query := `UPDATE devices SET last_sync_at = MAX(last_sync_at, ?) WHERE device_id = ?`
	_, err := r.db.Exec(query, syncedAt, deviceID)
	return err
}

// =====================================================
// Change Journal Operations
// =====================================================

// versionLock returns the mutex serializing version assignment for one entity.
func (r *Repository) versionLock(userID, dataID string) *sync.Mutex {
	key := userID + "\x00" + dataID
	if mu, ok := r.versionLocks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := r.versionLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateSyncRecord assigns the next version for the record's entity and
// persists it atomically. The read of the current maximum and the insert
// happen inside one transaction, under a per-entity lock, so concurrent
// writers to the same entity observe a strictly increasing, gap-free
// version sequence. A UNIQUE(user_id, data_id, version) constraint backs
// this up at the storage level.
func (r *Repository) CreateSyncRecord(rec *models.SyncRecord) error {
	mu := r.versionLock(rec.UserID, rec.DataID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxVersion int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM sync_records WHERE user_id = ? AND data_id = ?`,
		rec.UserID, rec.DataID,
	).Scan(&maxVersion)
	if err != nil {
		return err
	}
	rec.Version = maxVersion + 1

	var resolution interface{}
	if rec.ConflictResolution != "" {
		resolution = rec.ConflictResolution
	}
	_, err = tx.Exec(`
	INSERT INTO sync_records (id, user_id, device_id, data_type, operation, data_id, data_hash, timestamp, version, conflict_resolution)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.DeviceID, rec.DataType, rec.Operation,
		rec.DataID, rec.DataHash, rec.Timestamp, rec.Version, resolution)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListSyncRecordsSince returns every journal record for the user authored
// by other devices with timestamp strictly greater than since, in ascending
// timestamp order. Equal timestamps are ordered by version so a device
// always applies same-instant changes in journal order.
func (r *Repository) ListSyncRecordsSince(userID, excludeDeviceID string, since int64) ([]*models.SyncRecord, error) {
	query := `
	SELECT id, user_id, device_id, data_type, operation, data_id, data_hash, timestamp, version, conflict_resolution
	FROM sync_records
	WHERE user_id = ? AND device_id != ? AND timestamp > ?
	ORDER BY timestamp ASC, version ASC
	`
	rows, err := r.db.Query(query, userID, excludeDeviceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSyncRecords(rows)
}

// ListEntityRecords returns the full journal for one entity in version order.
func (r *Repository) ListEntityRecords(userID, dataID string) ([]*models.SyncRecord, error) {
	query := `
	SELECT id, user_id, device_id, data_type, operation, data_id, data_hash, timestamp, version, conflict_resolution
	FROM sync_records
	WHERE user_id = ? AND data_id = ?
	ORDER BY version ASC
	`
	rows, err := r.db.Query(query, userID, dataID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSyncRecords(rows)
}

// LatestEntityRecord returns the newest journal record for one entity,
// or nil if the entity has never been journaled.
func (r *Repository) LatestEntityRecord(userID, dataID string) (*models.SyncRecord, error) {
	query := `
	SELECT id, user_id, device_id, data_type, operation, data_id, data_hash, timestamp, version, conflict_resolution
	FROM sync_records
	WHERE user_id = ? AND data_id = ?
	ORDER BY version DESC LIMIT 1
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rec models.SyncRecord
	var resolution sql.NullString
	err = stmt.QueryRow(userID, dataID).Scan(&rec.ID, &rec.UserID, &rec.DeviceID,
		&rec.DataType, &rec.Operation, &rec.DataID, &rec.DataHash,
		&rec.Timestamp, &rec.Version, &resolution)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resolution.Valid {
		rec.ConflictResolution = resolution.String
	}
	return &rec, nil
}

func scanSyncRecords(rows *sql.Rows) ([]*models.SyncRecord, error) {
	var records []*models.SyncRecord
	for rows.Next() {
		var rec models.SyncRecord
		var resolution sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.DeviceID, &rec.DataType,
			&rec.Operation, &rec.DataID, &rec.DataHash, &rec.Timestamp,
			&rec.Version, &resolution); err != nil {
			return nil, err
		}
		if resolution.Valid {
			rec.ConflictResolution = resolution.String
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// =====================================================
// Offline Operation Persistence
// =====================================================

// InsertOfflineOperation persists a queued operation.
func (r *Repository) InsertOfflineOperation(op *models.OfflineOperation) error {
	query := `
	INSERT INTO offline_operations (id, user_id, device_id, operation_type, data_type, data_id, payload, created_at, retry_count, max_retries, priority)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, op.ID, op.UserID, op.DeviceID, op.OperationType,
		op.DataType, op.DataID, []byte(op.Payload), op.CreatedAt,
		op.RetryCount, op.MaxRetries, int(op.Priority))
	return err
}

// DeleteOfflineOperation removes a queued operation permanently.
func (r *Repository) DeleteOfflineOperation(id models.UUID) error {
	_, err := r.db.Exec(`DELETE FROM offline_operations WHERE id = ?`, id)
	return err
}

// UpdateOperationRetry persists an incremented retry count.
func (r *Repository) UpdateOperationRetry(id models.UUID, retryCount int) error {
	_, err := r.db.Exec(`UPDATE offline_operations SET retry_count = ? WHERE id = ?`, retryCount, id)
	return err
}

// ListOfflineOperations returns a user's pending operations in processing
// order: priority descending, then created_at ascending.
func (r *Repository) ListOfflineOperations(userID string) ([]*models.OfflineOperation, error) {
	query := offlineOpSelect + ` WHERE user_id = ? ORDER BY priority DESC, created_at ASC`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOfflineOperations(rows)
}

// ListAllOfflineOperations returns every pending operation in processing
// order. Used to rebuild the in-memory queue on restart.
func (r *Repository) ListAllOfflineOperations() ([]*models.OfflineOperation, error) {
	query := offlineOpSelect + ` ORDER BY priority DESC, created_at ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOfflineOperations(rows)
}

const offlineOpSelect = `
	SELECT id, user_id, device_id, operation_type, data_type, data_id, payload, created_at, retry_count, max_retries, priority
	FROM offline_operations`

func scanOfflineOperations(rows *sql.Rows) ([]*models.OfflineOperation, error) {
	var ops []*models.OfflineOperation
	for rows.Next() {
		var op models.OfflineOperation
		var payload []byte
		var priority int
		if err := rows.Scan(&op.ID, &op.UserID, &op.DeviceID, &op.OperationType,
			&op.DataType, &op.DataID, &payload, &op.CreatedAt,
			&op.RetryCount, &op.MaxRetries, &priority); err != nil {
			return nil, err
		}
		op.Payload = json.RawMessage(payload)
		op.Priority = models.Priority(priority)
		if !op.Priority.IsValid() {
			op.Priority = models.PriorityNormal
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// =====================================================
// Cache Persistence
// =====================================================

// UpsertCacheEntry stores or replaces a cache entry.
func (r *Repository) UpsertCacheEntry(e *models.CacheEntry) error {
	query := `
	INSERT OR REPLACE INTO offline_cache (key, payload, data_type, created_at, expires_at, size_bytes)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, e.Key, e.Payload, e.DataType, e.CreatedAt, e.ExpiresAt, e.SizeBytes)
	return err
}

// DeleteCacheEntry removes one cache entry.
func (r *Repository) DeleteCacheEntry(key string) error {
	_, err := r.db.Exec(`DELETE FROM offline_cache WHERE key = ?`, key)
	return err
}

// DeleteExpiredCache removes every entry whose TTL elapsed before now.
func (r *Repository) DeleteExpiredCache(now int64) error {
	_, err := r.db.Exec(`DELETE FROM offline_cache WHERE expires_at != 0 AND expires_at < ?`, now)
	return err
}

// ListCacheEntries returns all persisted cache entries. Used to rebuild
// the in-memory cache on restart.
func (r *Repository) ListCacheEntries() ([]*models.CacheEntry, error) {
	rows, err := r.db.Query(`SELECT key, payload, data_type, created_at, expires_at, size_bytes FROM offline_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		var e models.CacheEntry
		if err := rows.Scan(&e.Key, &e.Payload, &e.DataType, &e.CreatedAt, &e.ExpiresAt, &e.SizeBytes); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// =====================================================
// Conflict Inbox Persistence
// =====================================================

// InsertConflict records a sync conflict. Both change records are stored
// as JSON so the inbox survives schema evolution of the journal.
func (r *Repository) InsertConflict(c *models.SyncConflict) error {
	local, err := json.Marshal(c.LocalVersion)
	if err != nil {
		return fmt.Errorf("failed to marshal local version: %w", err)
	}
	remote, err := json.Marshal(c.RemoteVersion)
	if err != nil {
		return fmt.Errorf("failed to marshal remote version: %w", err)
	}

	query := `
	INSERT INTO sync_conflicts (id, user_id, data_id, local_version, remote_version, conflict_type, created_at, resolved, resolution)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, c.ID, c.UserID, c.DataID, string(local), string(remote),
		c.ConflictType, c.CreatedAt, c.Resolved, c.Resolution)
	return err
}

// MarkConflictResolved flips a conflict to resolved, recording the chosen
// resolution. Returns sql.ErrNoRows if the conflict does not exist.
func (r *Repository) MarkConflictResolved(id models.UUID, resolution string) error {
	res, err := r.db.Exec(`UPDATE sync_conflicts SET resolved = 1, resolution = ? WHERE id = ?`, resolution, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListUnresolvedConflicts returns a user's open conflicts, oldest first.
func (r *Repository) ListUnresolvedConflicts(userID string) ([]*models.SyncConflict, error) {
	query := `
	SELECT id, user_id, data_id, local_version, remote_version, conflict_type, created_at, resolved, resolution
	FROM sync_conflicts WHERE user_id = ? AND resolved = 0 ORDER BY created_at ASC
	`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// ListConflicts returns all of a user's conflicts, resolved or not,
// oldest first.
func (r *Repository) ListConflicts(userID string) ([]*models.SyncConflict, error) {
	query := `
	SELECT id, user_id, data_id, local_version, remote_version, conflict_type, created_at, resolved, resolution
	FROM sync_conflicts WHERE user_id = ? ORDER BY created_at ASC
	`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// ListAllUnresolvedConflicts returns every open conflict. Used to rebuild
// the in-memory inbox on restart.
func (r *Repository) ListAllUnresolvedConflicts() ([]*models.SyncConflict, error) {
	query := `
	SELECT id, user_id, data_id, local_version, remote_version, conflict_type, created_at, resolved, resolution
	FROM sync_conflicts WHERE resolved = 0 ORDER BY created_at ASC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// PurgeResolvedConflictsBefore deletes resolved conflicts older than the
// retention cutoff.
func (r *Repository) PurgeResolvedConflictsBefore(cutoff int64) error {
	_, err := r.db.Exec(`DELETE FROM sync_conflicts WHERE resolved = 1 AND created_at < ?`, cutoff)
	return err
}

func scanConflicts(rows *sql.Rows) ([]*models.SyncConflict, error) {
	var conflicts []*models.SyncConflict
	for rows.Next() {
		var c models.SyncConflict
		var local, remote string
		if err := rows.Scan(&c.ID, &c.UserID, &c.DataID, &local, &remote,
			&c.ConflictType, &c.CreatedAt, &c.Resolved, &c.Resolution); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(local), &c.LocalVersion); err != nil {
			return nil, fmt.Errorf("failed to unmarshal local version: %w", err)
		}
		if err := json.Unmarshal([]byte(remote), &c.RemoteVersion); err != nil {
			return nil, fmt.Errorf("failed to unmarshal remote version: %w", err)
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

// =====================================================
// Entity Payload Store
// =====================================================

// UpsertEntity stores the current payload of an application entity.
func (r *Repository) UpsertEntity(dataType models.DataType, dataID string, payload []byte, hash string, updatedAt int64) error {
	query := `
	INSERT OR REPLACE INTO entities (data_type, data_id, payload, data_hash, updated_at, deleted)
	VALUES (?, ?, ?, ?, ?, 0)
	`
	_, err := r.db.Exec(query, dataType, dataID, payload, hash, updatedAt)
	return err
}

// MarkEntityDeleted tombstones an entity without dropping its row.
func (r *Repository) MarkEntityDeleted(dataType models.DataType, dataID string, updatedAt int64) error {
	query := `
	INSERT INTO entities (data_type, data_id, payload, data_hash, updated_at, deleted)
	VALUES (?, ?, x'', '', ?, 1)
	ON CONFLICT(data_type, data_id) DO UPDATE SET deleted = 1, updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, dataType, dataID, updatedAt)
	return err
}

// GetEntity returns an entity's payload, or sql.ErrNoRows if absent or deleted.
func (r *Repository) GetEntity(dataType models.DataType, dataID string) ([]byte, error) {
	query := `SELECT payload, deleted FROM entities WHERE data_type = ? AND data_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var payload []byte
	var deleted bool
	if err := stmt.QueryRow(dataType, dataID).Scan(&payload, &deleted); err != nil {
		return nil, err
	}
	if deleted {
		return nil, sql.ErrNoRows
	}
	return payload, nil
}
