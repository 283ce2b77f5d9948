package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	TransferStatusOffered   = "offered"
	TransferStatusAccepted  = "accepted"
	TransferStatusRejected  = "rejected"
	TransferStatusCancelled = "cancelled"
	TransferStatusRelayed   = "relayed"
	TransferStatusFailed    = "failed"
)

const (
	DeviceEventConnected    = "connected"
	DeviceEventDisconnected = "disconnected"
	DeviceEventRenamed      = "renamed"
	// DeviceEventRejected marks a registration refused for an id conflict.
	DeviceEventRejected = "rejected"
)

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	DeviceID string
	Status   string
	Limit    int
	Offset   int
}

// DeviceEventFilter narrows ListDeviceEvents results.
type DeviceEventFilter struct {
	DeviceID      string
	EventType     string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusOffered, TransferStatusAccepted, TransferStatusRejected,
		TransferStatusCancelled, TransferStatusRelayed, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateDeviceEventType(eventType string) error {
	switch eventType {
	case DeviceEventConnected, DeviceEventDisconnected, DeviceEventRenamed, DeviceEventRejected:
		return nil
	default:
		return fmt.Errorf("invalid device event type %q", eventType)
	}
}

func clampLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
