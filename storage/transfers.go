package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"nicedrop/models"
)

// RecordOffer inserts a transfer row in the offered state and returns its id.
func (s *Store) RecordOffer(fromDeviceID, toDeviceID string, file models.FileInfo) (string, error) {
	if fromDeviceID == "" || toDeviceID == "" {
		return "", errors.New("from and to device ids are required")
	}
	if file.Name == "" {
		return "", errors.New("file_name is required")
	}

	transferID := uuid.NewString()
	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			from_device_id,
			to_device_id,
			file_name,
			file_size,
			mime_type,
			status,
			chunks_relayed,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		transferID,
		fromDeviceID,
		toDeviceID,
		file.Name,
		file.Size,
		nullString(stringPointer(file.Type)),
		TransferStatusOffered,
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("insert transfer %q: %w", file.Name, err)
	}

	return transferID, nil
}

// UpdateTransferStatus sets the status of the most recent transfer for the
// (from, to, file name) route.
func (s *Store) UpdateTransferStatus(fromDeviceID, toDeviceID, fileName, status string) error {
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, updated_at = ?
		WHERE transfer_id = (
			SELECT transfer_id FROM transfers
			WHERE from_device_id = ? AND to_device_id = ? AND file_name = ?
			ORDER BY created_at DESC
			LIMIT 1
		)`,
		status,
		nowUnixMilli(),
		fromDeviceID,
		toDeviceID,
		fileName,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", fileName, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer status %q: %w", fileName, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordChunkRelayed counts one forwarded chunk. Counts are held in memory
// and written together with the relayed status when last is true.
func (s *Store) RecordChunkRelayed(fromDeviceID, toDeviceID, fileName string, last bool) error {
	key := transferKey{from: fromDeviceID, to: toDeviceID, fileName: fileName}

	s.chunkMu.Lock()
	s.chunkCounts[key]++
	count := s.chunkCounts[key]
	if last {
		delete(s.chunkCounts, key)
	}
	s.chunkMu.Unlock()

	if !last {
		return nil
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, chunks_relayed = chunks_relayed + ?, updated_at = ?
		WHERE transfer_id = (
			SELECT transfer_id FROM transfers
			WHERE from_device_id = ? AND to_device_id = ? AND file_name = ?
			ORDER BY created_at DESC
			LIMIT 1
		)`,
		TransferStatusRelayed,
		count,
		nowUnixMilli(),
		fromDeviceID,
		toDeviceID,
		fileName,
	)
	if err != nil {
		return fmt.Errorf("update relayed chunks %q: %w", fileName, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for relayed chunks %q: %w", fileName, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one transfer by id.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			from_device_id,
			to_device_id,
			file_name,
			file_size,
			mime_type,
			status,
			chunks_relayed,
			created_at,
			updated_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns recent transfers, newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]models.Transfer, error) {
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
	}
	limit, offset := clampLimit(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(`SELECT
		transfer_id,
		from_device_id,
		to_device_id,
		file_name,
		file_size,
		mime_type,
		status,
		chunks_relayed,
		created_at,
		updated_at
	FROM transfers`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 5)
	if filter.DeviceID != "" {
		where = append(where, "(from_device_id = ? OR to_device_id = ?)")
		args = append(args, filter.DeviceID, filter.DeviceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		transfer models.Transfer
		mimeType sql.NullString
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.FromDeviceID,
		&transfer.ToDeviceID,
		&transfer.FileName,
		&transfer.FileSize,
		&mimeType,
		&transfer.Status,
		&transfer.ChunksRelayed,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	transfer.MimeType = mimeType.String
	return &transfer, nil
}
