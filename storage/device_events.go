package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nicedrop/models"
)

// SetDeviceEventRetention configures the automatic device event pruning horizon.
func (s *Store) SetDeviceEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultDeviceEventRetention
	}
	s.deviceEventRetention = retention
}

// RecordDeviceEvent inserts a device event and applies retention pruning.
func (s *Store) RecordDeviceEvent(event models.DeviceEvent) error {
	if strings.TrimSpace(event.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if err := validateDeviceEventType(event.EventType); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO device_events (
			device_id,
			event_type,
			details,
			remote_ip,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.DeviceID,
		event.EventType,
		event.Details,
		nullString(stringPointer(event.RemoteIP)),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert device event %q: %w", event.EventType, err)
	}

	if s.deviceEventRetention > 0 {
		cutoff := time.Now().Add(-s.deviceEventRetention).UnixMilli()
		if _, err := s.PruneDeviceEvents(cutoff); err != nil {
			return fmt.Errorf("prune device events: %w", err)
		}
	}

	return nil
}

// ListDeviceEvents returns recent device events with optional filtering.
func (s *Store) ListDeviceEvents(filter DeviceEventFilter) ([]models.DeviceEvent, error) {
	if filter.EventType != "" {
		if err := validateDeviceEventType(filter.EventType); err != nil {
			return nil, err
		}
	}
	limit, offset := clampLimit(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		device_id,
		event_type,
		details,
		remote_ip,
		timestamp
	FROM device_events`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list device events: %w", err)
	}
	defer rows.Close()

	events := make([]models.DeviceEvent, 0)
	for rows.Next() {
		event, err := scanDeviceEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device event rows: %w", err)
	}

	return events, nil
}

// PruneDeviceEvents removes device events older than cutoffTimestamp.
func (s *Store) PruneDeviceEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM device_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune device events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for device event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanDeviceEvent(row scanner) (*models.DeviceEvent, error) {
	var (
		event    models.DeviceEvent
		remoteIP sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.DeviceID,
		&event.EventType,
		&event.Details,
		&remoteIP,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.RemoteIP = remoteIP.String
	return &event, nil
}
