// Package models provides data model definitions for the sync core.
package models

import "time"

// SyncConflict records two change records for the same entity that could
// not both be applied. Auto-resolved conflicts are retained as an audit
// trail; Manual-policy conflicts stay unresolved until a caller decides.
type SyncConflict struct {
	ID            UUID         `db:"id" json:"id"`
	UserID        string       `db:"user_id" json:"user_id"`
	DataID        string       `db:"data_id" json:"data_id"`
	LocalVersion  SyncRecord   `db:"local_version" json:"local_version"`
	RemoteVersion SyncRecord   `db:"remote_version" json:"remote_version"`
	ConflictType  ConflictType `db:"conflict_type" json:"conflict_type"`
	CreatedAt     int64        `db:"created_at" json:"created_at"` // unix nanoseconds
	Resolved      bool         `db:"resolved" json:"resolved"`
	Resolution    string       `db:"resolution" json:"resolution,omitempty"`
}

// TableName returns the table name for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// CreatedTime returns CreatedAt as time.Time.
func (c *SyncConflict) CreatedTime() time.Time {
	return time.Unix(0, c.CreatedAt)
}
