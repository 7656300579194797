// Package models provides data model definitions for the sync core.
package models

import "time"

// SyncRecord is one atomic mutation to one entity by one device.
// Records form the append-only change journal: once written they are
// immutable, and corrections are new records with a higher version.
type SyncRecord struct {
	ID                 UUID      `db:"id" json:"id"`
	UserID             string    `db:"user_id" json:"user_id"`
	DeviceID           string    `db:"device_id" json:"device_id"`
	DataType           DataType  `db:"data_type" json:"data_type"`
	Operation          Operation `db:"operation" json:"operation"`
	DataID             string    `db:"data_id" json:"data_id"`
	DataHash           string    `db:"data_hash" json:"data_hash"`
	Timestamp          int64     `db:"timestamp" json:"timestamp"` // unix nanoseconds
	Version            int64     `db:"version" json:"version"`
	ConflictResolution string    `db:"conflict_resolution" json:"conflict_resolution,omitempty"`
}

// TableName returns the table name for SyncRecord.
func (SyncRecord) TableName() string {
	return "sync_records"
}

// Time returns the Timestamp as time.Time.
func (r *SyncRecord) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}
