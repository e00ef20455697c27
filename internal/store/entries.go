package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

const entryColumns = `serial, transport_name, vehicle_type, vehicle_number,
	driver_name, driver_phone, notes, entry_time, exit_time, status,
	parking_fee, payment_status, payment_type, created_by, last_modified`

// CreateEntry inserts a parking entry and returns its assigned serial.
func (s *Store) CreateEntry(ctx context.Context, e *model.ParkingEntry) (int64, error) {
	if e.VehicleType == "" || e.VehicleNumber == "" {
		return 0, fault.New(fault.CodeValidation, "vehicle type and number are required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO parking_entries
		(transport_name, vehicle_type, vehicle_number, driver_name, driver_phone,
		 notes, entry_time, status, parking_fee, payment_status, payment_type,
		 created_by, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.TransportName,
		e.VehicleType,
		model.NormalizeVehicleNumber(e.VehicleNumber),
		e.DriverName,
		e.DriverPhone,
		e.Notes,
		e.EntryTime.UnixNano(),
		string(e.Status),
		e.ParkingFee,
		string(e.PaymentStatus),
		e.PaymentType,
		e.CreatedBy,
		e.LastModified.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("create entry: %w", err)
	}
	serial, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create entry: serial: %w", err)
	}
	return serial, nil
}

// ExitEntry marks an entry as exited, recording fee and payment.
// Conditional on status='Parked' so a double exit is a NotFound fault.
func (s *Store) ExitEntry(ctx context.Context, serial int64, fee int64, paymentStatus model.PaymentStatus, paymentType string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE parking_entries
		SET status = 'Exited', exit_time = ?, parking_fee = ?,
		    payment_status = ?, payment_type = ?, last_modified = ?
		WHERE serial = ? AND status = 'Parked'
	`, now.UnixNano(), fee, string(paymentStatus), paymentType, now.UnixNano(), serial)
	if err != nil {
		return fmt.Errorf("exit entry %d: %w", serial, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fault.New(fault.CodeNotFound, "entry %d is not a parked entry", serial)
	}
	return nil
}

// GetEntry returns one entry by serial, or a NotFound fault.
func (s *Store) GetEntry(ctx context.Context, serial int64) (*model.ParkingEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM parking_entries
		WHERE serial = ?
	`, serial)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "entry %d not found", serial)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", serial, err)
	}
	return e, nil
}

// ListEntries returns all entries ordered by serial. The aggregator
// recomputes over this full set; no incremental state is kept.
func (s *Store) ListEntries(ctx context.Context) ([]model.ParkingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM parking_entries
		ORDER BY serial ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := []model.ParkingEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row scanner) (*model.ParkingEntry, error) {
	var (
		e             model.ParkingEntry
		entryNanos    int64
		exitNanos     sql.NullInt64
		status        string
		paymentStatus string
		modifiedNanos int64
	)
	err := row.Scan(
		&e.Serial,
		&e.TransportName,
		&e.VehicleType,
		&e.VehicleNumber,
		&e.DriverName,
		&e.DriverPhone,
		&e.Notes,
		&entryNanos,
		&exitNanos,
		&status,
		&e.ParkingFee,
		&paymentStatus,
		&e.PaymentType,
		&e.CreatedBy,
		&modifiedNanos,
	)
	if err != nil {
		return nil, err
	}

	e.EntryTime = time.Unix(0, entryNanos).UTC()
	if exitNanos.Valid {
		t := time.Unix(0, exitNanos.Int64).UTC()
		e.ExitTime = &t
	}
	e.Status = model.EntryStatus(status)
	e.PaymentStatus = model.PaymentStatus(paymentStatus)
	e.LastModified = time.Unix(0, modifiedNanos).UTC()
	return &e, nil
}
