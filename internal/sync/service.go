// Package sync implements the multi-device synchronization core: device
// registration, the append-only change journal and incremental deltas.
package sync

import (
	"database/sql"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/db"
	"github.com/codetaoist/taishanglaojun/internal/entity"
	"github.com/codetaoist/taishanglaojun/internal/errors"
	"github.com/codetaoist/taishanglaojun/internal/logging"
	"github.com/codetaoist/taishanglaojun/internal/models"
	"github.com/codetaoist/taishanglaojun/internal/sync/conflict"
	"github.com/codetaoist/taishanglaojun/internal/uuid"
)

// PresenceFunc reports whether a device currently holds a live connection.
// Wired in by the realtime layer; nil means every device reads as offline.
type PresenceFunc func(deviceID string) bool

// Service coordinates the change journal, the entity store and the
// conflict resolver.
type Service struct {
	repo     *db.Repository
	entities *entity.Store
	resolver *conflict.Resolver
	cfg      *config.SyncConfig
	presence PresenceFunc
}

// NewService creates the synchronization service.
func NewService(repo *db.Repository, entities *entity.Store, resolver *conflict.Resolver, cfg *config.SyncConfig) *Service {
	return &Service{
		repo:     repo,
		entities: entities,
		resolver: resolver,
		cfg:      cfg,
	}
}

// SetPresence wires in connection liveness. Safe to leave unset in
// contexts without a realtime layer, such as tests.
func (s *Service) SetPresence(fn PresenceFunc) {
	s.presence = fn
}

// RegisterDevice registers a device or refreshes its metadata. Calling it
// again for a known device id is the supported way to update name,
// platform and app version.
func (s *Service) RegisterDevice(d *models.DeviceRecord) error {
	if d.DeviceID == "" || d.UserID == "" {
		return errors.New(errors.ErrDeviceInvalid, "device_id and user_id are required")
	}
	if !d.DeviceType.IsValid() {
		return errors.New(errors.ErrDeviceInvalid, "unknown device type: "+string(d.DeviceType))
	}

	if err := s.repo.UpsertDevice(d); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to register device", err)
	}

	logging.Info("Device registered", map[string]interface{}{
		"device_id":   d.DeviceID,
		"user_id":     d.UserID,
		"device_type": d.DeviceType,
	})
	return nil
}

// GetDevice returns one device.
func (s *Service) GetDevice(deviceID string) (*models.DeviceRecord, error) {
	d, err := s.repo.GetDevice(deviceID)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrDeviceNotFound, "device not found: "+deviceID)
	}
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to load device", err)
	}
	if s.presence != nil {
		d.IsOnline = s.presence(d.DeviceID)
	}
	return d, nil
}

// GetUserDevices returns all of a user's devices, most recently synced
// first, with live connection state filled in.
func (s *Service) GetUserDevices(userID string) ([]*models.DeviceRecord, error) {
	devices, err := s.repo.ListUserDevices(userID)
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to list devices", err)
	}
	if s.presence != nil {
		for _, d := range devices {
			d.IsOnline = s.presence(d.DeviceID)
		}
	}
	return devices, nil
}

// DeviceTypeOf returns a device's registered type, or the empty type for
// unknown devices. Used as the resolver's device-priority lookup.
func (s *Service) DeviceTypeOf(deviceID string) models.DeviceType {
	d, err := s.repo.GetDevice(deviceID)
	if err != nil {
		return ""
	}
	return d.DeviceType
}

// RecordChange journals a local mutation and applies it to the entity
// store. The record gets a fresh id, the current time and the next version
// for its entity; the caller never supplies any of those.
func (s *Service) RecordChange(userID, deviceID string, dataType models.DataType, op models.Operation, dataID string, payload []byte) (*models.SyncRecord, error) {
	if userID == "" || deviceID == "" || dataID == "" {
		return nil, errors.New(errors.ErrInvalid, "user_id, device_id and data_id are required")
	}
	if !dataType.IsValid() {
		return nil, errors.New(errors.ErrInvalid, "unknown data type: "+string(dataType))
	}
	if !op.IsValid() {
		return nil, errors.New(errors.ErrInvalid, "unknown operation: "+string(op))
	}
	if _, err := s.repo.GetDevice(deviceID); err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrDeviceNotFound, "unregistered device: "+deviceID)
	} else if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to check device", err)
	}

	rec := &models.SyncRecord{
		ID:        models.UUID(uuid.New()),
		UserID:    userID,
		DeviceID:  deviceID,
		DataType:  dataType,
		Operation: op,
		DataID:    dataID,
		DataHash:  entity.Hash(payload),
		Timestamp: time.Now().UnixNano(),
	}

	if err := s.repo.CreateSyncRecord(rec); err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to journal change", err)
	}
	if err := s.entities.Apply(rec, payload); err != nil {
		return nil, err
	}
	if err := s.repo.TouchDeviceSync(deviceID, rec.Timestamp); err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to advance sync watermark", err)
	}

	logging.Debug("Change journaled", map[string]interface{}{
		"record_id": rec.ID,
		"data_id":   rec.DataID,
		"operation": rec.Operation,
		"version":   rec.Version,
	})
	return rec, nil
}

// BatchChange is one element of a RecordChanges call.
type BatchChange struct {
	DataType  models.DataType
	Operation models.Operation
	DataID    string
	Payload   []byte
}

// RecordChanges journals a batch of local mutations in order. On failure
// it returns the records journaled so far together with the error; the
// journal never loses the changes that already committed.
func (s *Service) RecordChanges(userID, deviceID string, changes []BatchChange) ([]*models.SyncRecord, error) {
	records := make([]*models.SyncRecord, 0, len(changes))
	for _, c := range changes {
		rec, err := s.RecordChange(userID, deviceID, c.DataType, c.Operation, c.DataID, c.Payload)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ApplyRemoteChange applies a change authored by another device. When the
// incoming record conflicts with the newest local record for the same
// entity, the configured policy decides; the incoming change is always
// journaled so the audit trail stays complete, but the entity store only
// moves if the remote side wins. A non-nil Resolution tells the caller
// what happened; manual-policy conflicts land in the inbox unapplied.
func (s *Service) ApplyRemoteChange(rec *models.SyncRecord, payload []byte) (*conflict.Resolution, error) {
	if rec == nil {
		return nil, errors.New(errors.ErrInvalid, "nil record")
	}
	if rec.DataHash != entity.Hash(payload) {
		return nil, errors.New(errors.ErrInvalid, "payload does not match record hash")
	}

	latest, err := s.repo.LatestEntityRecord(rec.UserID, rec.DataID)
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to load latest record", err)
	}

	journaled := *rec
	if _, conflicting := conflict.Detect(latest, rec); !conflicting {
		if err := s.journalAndApply(&journaled, payload, true); err != nil {
			return nil, err
		}
		return nil, nil
	}

	res, err := s.resolver.Resolve(latest, rec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncConflict, "conflict resolution failed", err)
	}

	if err := s.repo.InsertConflict(res.Conflict); err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to record conflict", err)
	}

	if res.Outcome == conflict.OutcomeManualReview {
		return res, nil
	}

	journaled.ConflictResolution = string(res.Outcome)
	applyPayload := res.Winner == rec || res.Outcome == conflict.OutcomeMerged
	if err := s.journalAndApply(&journaled, payload, applyPayload); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) journalAndApply(rec *models.SyncRecord, payload []byte, apply bool) error {
	if err := s.repo.CreateSyncRecord(rec); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to journal remote change", err)
	}
	if apply {
		if err := s.entities.Apply(rec, payload); err != nil {
			return err
		}
	}
	if err := s.repo.TouchDeviceSync(rec.DeviceID, rec.Timestamp); err != nil {
		return errors.Transient(errors.ErrDatabase, "failed to advance sync watermark", err)
	}
	return nil
}

// ApplyQueuedOperation drains one offline operation into the journal.
// Unlike RecordChange it keeps the operation's original creation time as
// the record timestamp, so a write queued before a newer edit from
// another device goes through conflict resolution and loses to it
// instead of silently overwriting newer data.
func (s *Service) ApplyQueuedOperation(op *models.OfflineOperation) (*conflict.Resolution, error) {
	if op == nil {
		return nil, errors.New(errors.ErrInvalid, "nil operation")
	}
	if op.UserID == "" || op.DeviceID == "" || op.DataID == "" {
		return nil, errors.New(errors.ErrInvalid, "user_id, device_id and data_id are required")
	}
	if !op.DataType.IsValid() {
		return nil, errors.New(errors.ErrInvalid, "unknown data type: "+string(op.DataType))
	}
	if !op.OperationType.IsValid() {
		return nil, errors.New(errors.ErrInvalid, "unknown operation: "+string(op.OperationType))
	}

	rec := &models.SyncRecord{
		ID:        models.UUID(uuid.New()),
		UserID:    op.UserID,
		DeviceID:  op.DeviceID,
		DataType:  op.DataType,
		Operation: op.OperationType,
		DataID:    op.DataID,
		DataHash:  entity.Hash(op.Payload),
		Timestamp: op.CreatedAt,
	}
	return s.ApplyRemoteChange(rec, op.Payload)
}

// GetIncrementalSync returns every change the requesting device has not
// seen: records from the user's other devices newer than since, oldest
// first. The device's sync watermark advances to now on success.
func (s *Service) GetIncrementalSync(userID, deviceID string, since int64) ([]*models.SyncRecord, error) {
	if userID == "" || deviceID == "" {
		return nil, errors.New(errors.ErrInvalid, "user_id and device_id are required")
	}

	records, err := s.repo.ListSyncRecordsSince(userID, deviceID, since)
	if err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to load incremental changes", err)
	}

	if err := s.repo.TouchDeviceSync(deviceID, time.Now().UnixNano()); err != nil {
		return nil, errors.Transient(errors.ErrDatabase, "failed to advance sync watermark", err)
	}

	logging.Debug("Incremental sync served", map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
		"since":     since,
		"records":   len(records),
	})
	return records, nil
}

// SyncChatMessages returns the incremental delta restricted to chat
// messages and sessions.
func (s *Service) SyncChatMessages(userID, deviceID string, since int64) ([]*models.SyncRecord, error) {
	return s.incrementalByType(userID, deviceID, since,
		models.DataTypeChatMessage, models.DataTypeChatSession)
}

// SyncFriends returns the incremental delta restricted to friend data.
func (s *Service) SyncFriends(userID, deviceID string, since int64) ([]*models.SyncRecord, error) {
	return s.incrementalByType(userID, deviceID, since, models.DataTypeFriend)
}

func (s *Service) incrementalByType(userID, deviceID string, since int64, types ...models.DataType) ([]*models.SyncRecord, error) {
	records, err := s.GetIncrementalSync(userID, deviceID, since)
	if err != nil {
		return nil, err
	}
	filtered := records[:0]
	for _, rec := range records {
		for _, t := range types {
			if rec.DataType == t {
				filtered = append(filtered, rec)
				break
			}
		}
	}
	return filtered, nil
}

// GetEntityPayload returns the current payload of a synchronized entity.
func (s *Service) GetEntityPayload(dataType models.DataType, dataID string) ([]byte, error) {
	return s.entities.Get(dataType, dataID)
}
