// Package models provides data model definitions for the sync core.
package models

import (
	"encoding/json"
	"time"
)

// OfflineOperation is a queued write awaiting application, typically
// because the device was offline or delivery failed.
type OfflineOperation struct {
	ID            UUID            `db:"id" json:"id"`
	UserID        string          `db:"user_id" json:"user_id"`
	DeviceID      string          `db:"device_id" json:"device_id"`
	OperationType Operation       `db:"operation_type" json:"operation_type"`
	DataType      DataType        `db:"data_type" json:"data_type"`
	DataID        string          `db:"data_id" json:"data_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	CreatedAt     int64           `db:"created_at" json:"created_at"` // unix nanoseconds
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	Priority      Priority        `db:"priority" json:"priority"`

	// RetryAt is the earliest instant a failed operation becomes eligible
	// for another attempt. In-memory only; a restart retries promptly.
	RetryAt int64 `db:"-" json:"-"`
}

// TableName returns the table name for OfflineOperation.
func (OfflineOperation) TableName() string {
	return "offline_operations"
}

// CreatedTime returns CreatedAt as time.Time.
func (o *OfflineOperation) CreatedTime() time.Time {
	return time.Unix(0, o.CreatedAt)
}
