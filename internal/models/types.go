// Package models provides data model definitions for the sync core.
package models

import "database/sql/driver"

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// DeviceType identifies the class of a client install.
type DeviceType string

const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeWatch   DeviceType = "watch"
)

// IsValid reports whether t is a known device type.
func (t DeviceType) IsValid() bool {
	switch t {
	case DeviceTypeDesktop, DeviceTypeMobile, DeviceTypeTablet, DeviceTypeWatch:
		return true
	}
	return false
}

// DataType identifies the kind of application data a record touches.
type DataType string

const (
	DataTypeUserProfile DataType = "user_profile"
	DataTypeChatMessage DataType = "chat_message"
	DataTypeChatSession DataType = "chat_session"
	DataTypeFriend      DataType = "friend"
	DataTypeProject     DataType = "project"
	DataTypeFile        DataType = "file"
	DataTypeSettings    DataType = "settings"
)

// IsValid reports whether t is a known data type.
func (t DataType) IsValid() bool {
	switch t {
	case DataTypeUserProfile, DataTypeChatMessage, DataTypeChatSession,
		DataTypeFriend, DataTypeProject, DataTypeFile, DataTypeSettings:
		return true
	}
	return false
}

// Operation identifies the mutation kind of a change record.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationRead   Operation = "read"
)

// IsValid reports whether o is a known operation.
func (o Operation) IsValid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationRead:
		return true
	}
	return false
}

// Priority orders offline operations. Higher values are processed first.
// The numeric mapping is canonical everywhere: queue ordering, persistence
// and the caller-facing API all use the same values.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ConflictType classifies why two change records could not both be applied.
type ConflictType string

const (
	ConflictTypeDataModified    ConflictType = "data_modified"
	ConflictTypeDataDeleted     ConflictType = "data_deleted"
	ConflictTypeVersionMismatch ConflictType = "version_mismatch"
	ConflictTypeSchemaChange    ConflictType = "schema_change"
)
