// Package models provides data model definitions for the sync core.
package models

import "time"

// CacheEntry is a locally cached read of remote or shared data with an
// optional TTL. ExpiresAt of zero means the entry never expires.
type CacheEntry struct {
	Key       string   `db:"key" json:"key"`
	Payload   []byte   `db:"payload" json:"payload"`
	DataType  DataType `db:"data_type" json:"data_type"`
	CreatedAt int64    `db:"created_at" json:"created_at"` // unix nanoseconds
	ExpiresAt int64    `db:"expires_at" json:"expires_at"` // unix nanoseconds, 0 = never
	SizeBytes int64    `db:"size_bytes" json:"size_bytes"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "offline_cache"
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() > e.ExpiresAt
}
