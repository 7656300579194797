// Package conflict provides conflict detection and resolution for
// multi-device synchronization.
package conflict

import (
	"time"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/logging"
	"github.com/codetaoist/taishanglaojun/internal/models"
	"github.com/codetaoist/taishanglaojun/internal/uuid"
)

// Outcome names which side of a conflict was kept.
type Outcome string

const (
	OutcomeLocalWins    Outcome = "local_wins"
	OutcomeRemoteWins   Outcome = "remote_wins"
	OutcomeMerged       Outcome = "merged"
	OutcomeManualReview Outcome = "manual_review_required"
)

// DeviceTypeLookup maps a device id to its registered type. Used by the
// device-priority policy; unknown devices resolve to the empty type.
type DeviceTypeLookup func(deviceID string) models.DeviceType

// Merger combines two concurrent change records into one merged record.
// Returning false means the pair cannot be merged and the resolver falls
// back to last-write-wins.
type Merger interface {
	Merge(local, remote *models.SyncRecord) (*models.SyncRecord, bool)
}

// Resolver decides which of two concurrent changes to the same entity is
// kept. Resolution is deterministic: the same pair of records always
// produces the same outcome regardless of argument order, so every device
// converges on the same winner without coordination.
type Resolver struct {
	policy         config.ConflictPolicy
	priorityDevice models.DeviceType
	deviceTypes    DeviceTypeLookup
	merger         Merger
}

// NewResolver creates a Resolver for the given policy.
// deviceTypes may be nil unless the policy is device_priority.
// merger may be nil; the merge policy then degrades to last-write-wins.
func NewResolver(policy config.ConflictPolicy, priorityDevice models.DeviceType, deviceTypes DeviceTypeLookup, merger Merger) *Resolver {
	return &Resolver{
		policy:         policy,
		priorityDevice: priorityDevice,
		deviceTypes:    deviceTypes,
		merger:         merger,
	}
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Winner  *models.SyncRecord // nil for manual review
	Loser   *models.SyncRecord
	Merged  *models.SyncRecord // set only when Outcome is OutcomeMerged
	Outcome Outcome
	Policy  config.ConflictPolicy
	// Conflict is the inbox entry describing this resolution. Resolved is
	// true for automatic outcomes and false for manual review.
	Conflict *models.SyncConflict
}

// Detect reports whether two change records for the same entity conflict,
// and classifies the conflict. Records from the same device never conflict
// because a single device serializes its own writes.
func Detect(local, remote *models.SyncRecord) (models.ConflictType, bool) {
	if local == nil || remote == nil {
		return "", false
	}
	if local.DataID != remote.DataID || local.UserID != remote.UserID {
		return "", false
	}
	if local.DeviceID == remote.DeviceID {
		return "", false
	}

	switch {
	case local.Operation == models.OperationDelete || remote.Operation == models.OperationDelete:
		return models.ConflictTypeDataDeleted, true
	case local.DataType != remote.DataType:
		return models.ConflictTypeSchemaChange, true
	case local.Version != remote.Version:
		return models.ConflictTypeVersionMismatch, true
	default:
		return models.ConflictTypeDataModified, true
	}
}

// Resolve resolves a conflict between two change records under the
// configured policy.
func (r *Resolver) Resolve(local, remote *models.SyncRecord) (*Resolution, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidConflict
	}
	if local.DataID != remote.DataID {
		return nil, ErrEntityMismatch
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"data_id":          local.DataID,
		"local_device":     local.DeviceID,
		"remote_device":    remote.DeviceID,
		"local_timestamp":  local.Timestamp,
		"remote_timestamp": remote.Timestamp,
		"policy":           r.policy,
	})

	switch r.policy {
	case config.PolicyLastWriteWins:
		return r.resolveLastWriteWins(local, remote), nil
	case config.PolicyFirstWriteWins:
		return r.resolveFirstWriteWins(local, remote), nil
	case config.PolicyDevicePriority:
		return r.resolveDevicePriority(local, remote), nil
	case config.PolicyManual:
		return r.resolveManual(local, remote), nil
	case config.PolicyMerge:
		return r.resolveMerge(local, remote), nil
	default:
		return r.resolveLastWriteWins(local, remote), nil
	}
}

// newer reports whether a should win over b under last-write-wins.
// Ties on timestamp break toward the lexically greater device id, so the
// comparison is total and argument-order independent.
func newer(a, b *models.SyncRecord) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.DeviceID > b.DeviceID
}

func (r *Resolver) resolveLastWriteWins(local, remote *models.SyncRecord) *Resolution {
	winner, loser := remote, local
	outcome := OutcomeRemoteWins
	if newer(local, remote) {
		winner, loser = local, remote
		outcome = OutcomeLocalWins
	}
	return r.finish(local, remote, winner, loser, outcome, config.PolicyLastWriteWins)
}

func (r *Resolver) resolveFirstWriteWins(local, remote *models.SyncRecord) *Resolution {
	// Exact inverse of last-write-wins, including the tie-break
	winner, loser := local, remote
	outcome := OutcomeLocalWins
	if newer(local, remote) {
		winner, loser = remote, local
		outcome = OutcomeRemoteWins
	}
	return r.finish(local, remote, winner, loser, outcome, config.PolicyFirstWriteWins)
}

func (r *Resolver) resolveDevicePriority(local, remote *models.SyncRecord) *Resolution {
	localType, remoteType := models.DeviceType(""), models.DeviceType("")
	if r.deviceTypes != nil {
		localType = r.deviceTypes(local.DeviceID)
		remoteType = r.deviceTypes(remote.DeviceID)
	}

	localPreferred := localType == r.priorityDevice
	remotePreferred := remoteType == r.priorityDevice

	// When exactly one side comes from the preferred device type it wins.
	// Otherwise the policy cannot discriminate and last-write-wins decides.
	switch {
	case localPreferred && !remotePreferred:
		return r.finish(local, remote, local, remote, OutcomeLocalWins, config.PolicyDevicePriority)
	case remotePreferred && !localPreferred:
		return r.finish(local, remote, remote, local, OutcomeRemoteWins, config.PolicyDevicePriority)
	default:
		res := r.resolveLastWriteWins(local, remote)
		res.Policy = config.PolicyDevicePriority
		return res
	}
}

func (r *Resolver) resolveManual(local, remote *models.SyncRecord) *Resolution {
	conflictType, _ := Detect(local, remote)
	if conflictType == "" {
		conflictType = models.ConflictTypeDataModified
	}

	logging.Warn("Conflict queued for manual review", map[string]interface{}{
		"data_id":          local.DataID,
		"local_timestamp":  local.Timestamp,
		"remote_timestamp": remote.Timestamp,
	})

	return &Resolution{
		Winner:  nil,
		Outcome: OutcomeManualReview,
		Policy:  config.PolicyManual,
		Conflict: &models.SyncConflict{
			ID:            models.UUID(uuid.New()),
			UserID:        local.UserID,
			DataID:        local.DataID,
			LocalVersion:  *local,
			RemoteVersion: *remote,
			ConflictType:  conflictType,
			CreatedAt:     time.Now().UnixNano(),
			Resolved:      false,
		},
	}
}

func (r *Resolver) resolveMerge(local, remote *models.SyncRecord) *Resolution {
	if r.merger != nil {
		if merged, ok := r.merger.Merge(local, remote); ok {
			res := r.finish(local, remote, merged, nil, OutcomeMerged, config.PolicyMerge)
			res.Merged = merged
			return res
		}
	}
	res := r.resolveLastWriteWins(local, remote)
	res.Policy = config.PolicyMerge
	return res
}

// finish builds the resolution and its resolved inbox entry.
func (r *Resolver) finish(local, remote, winner, loser *models.SyncRecord, outcome Outcome, policy config.ConflictPolicy) *Resolution {
	conflictType, _ := Detect(local, remote)
	if conflictType == "" {
		conflictType = models.ConflictTypeDataModified
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"data_id":          local.DataID,
		"outcome":          outcome,
		"policy":           policy,
		"local_timestamp":  local.Timestamp,
		"remote_timestamp": remote.Timestamp,
	})

	return &Resolution{
		Winner:  winner,
		Loser:   loser,
		Outcome: outcome,
		Policy:  policy,
		Conflict: &models.SyncConflict{
			ID:            models.UUID(uuid.New()),
			UserID:        local.UserID,
			DataID:        local.DataID,
			LocalVersion:  *local,
			RemoteVersion: *remote,
			ConflictType:  conflictType,
			CreatedAt:     time.Now().UnixNano(),
			Resolved:      true,
			Resolution:    string(outcome),
		},
	}
}

// ResolveMultiple resolves a batch of conflicts, preserving order.
func (r *Resolver) ResolveMultiple(pairs [][2]*models.SyncRecord) ([]*Resolution, error) {
	results := make([]*Resolution, 0, len(pairs))
	for _, pair := range pairs {
		res, err := r.Resolve(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Errors
var (
	ErrInvalidConflict = &Error{Message: "invalid conflict: both records must be non-nil"}
	ErrEntityMismatch  = &Error{Message: "records reference different entities"}
)

// Error represents a conflict resolution error.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
