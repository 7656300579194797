// Package models provides data model definitions for the sync core.
package models

import "time"

// DeviceRecord identifies one client install of a user.
// Devices are created on first registration and never hard-deleted;
// a device that stops syncing simply goes stale.
type DeviceRecord struct {
	DeviceID   string     `db:"device_id" json:"device_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	DeviceType DeviceType `db:"device_type" json:"device_type"`
	DeviceName string     `db:"device_name" json:"device_name"`
	Platform   string     `db:"platform" json:"platform"`
	AppVersion string     `db:"app_version" json:"app_version"`
	LastSyncAt int64      `db:"last_sync_at" json:"last_sync_at"` // unix nanoseconds
	CreatedAt  int64      `db:"created_at" json:"created_at"`
	// IsOnline is derived from connection liveness, never persisted as truth.
	IsOnline bool `db:"-" json:"is_online"`
}

// TableName returns the table name for DeviceRecord.
func (DeviceRecord) TableName() string {
	return "devices"
}

// LastSyncTime returns LastSyncAt as time.Time.
func (d *DeviceRecord) LastSyncTime() time.Time {
	return time.Unix(0, d.LastSyncAt)
}
