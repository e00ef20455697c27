package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

const shiftColumns = `id, operator_id, start_time, end_time, opening_cash,
	closing_cash, status, notes, cash_discrepancy, ended_by, end_reason`

// StartShift inserts a new active session. The partial unique index on
// status='active' makes the insert the authoritative exclusivity check:
// a concurrent start loses at the database, not at a client-side read.
//
// Returns a Conflict fault if another session already holds the slot.
func (s *Store) StartShift(ctx context.Context, shift *model.ShiftSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shift_sessions
		(id, operator_id, start_time, opening_cash, status, notes)
		VALUES (?, ?, ?, ?, 'active', ?)
	`,
		shift.ID,
		shift.OperatorID,
		shift.StartTime.UnixNano(),
		shift.OpeningCash,
		shift.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Wrap(fault.CodeConflict, err,
				"another shift is already active; re-read current state before retrying")
		}
		return fmt.Errorf("start shift: %w", err)
	}
	return nil
}

// GetCurrentActiveShift returns the session holding the active slot,
// or a NotFound fault if no shift is active.
func (s *Store) GetCurrentActiveShift(ctx context.Context) (*model.ShiftSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shift_sessions
		WHERE status = 'active'
	`)
	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "no active shift")
	}
	if err != nil {
		return nil, fmt.Errorf("get active shift: %w", err)
	}
	return shift, nil
}

// GetShift returns a session by id, or a NotFound fault.
func (s *Store) GetShift(ctx context.Context, id string) (*model.ShiftSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shift_sessions
		WHERE id = ?
	`, id)
	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "shift %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get shift %s: %w", id, err)
	}
	return shift, nil
}

// EndShift closes the active session identified by shiftId and returns
// the reconciliation report. Net revenue is the paid-fee total of
// entries created during the shift window.
//
// The UPDATE is conditional on status='active': ending an already-ended
// or unknown shift is a NotFound fault, never a partial write.
func (s *Store) EndShift(ctx context.Context, shiftID string, closingCash int64, notes string, now time.Time) (*model.ShiftReport, error) {
	return s.closeShift(ctx, shiftID, closeParams{
		status:      model.StatusCompleted,
		closingCash: closingCash,
		notes:       notes,
		now:         now,
	})
}

// closeParams carries the per-transition fields of a terminal write.
type closeParams struct {
	status      model.ShiftStatus
	closingCash int64
	notes       string
	endedBy     string
	endReason   string
	now         time.Time
}

// closeShift performs a terminal transition in one transaction:
// conditional UPDATE of the session, revenue aggregation, audit row.
func (s *Store) closeShift(ctx context.Context, shiftID string, p closeParams) (*model.ShiftReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("close shift: begin: %w", err)
	}
	defer tx.Rollback()

	report, err := closeShiftTx(ctx, tx, shiftID, p)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("close shift: commit: %w", err)
	}
	return report, nil
}

// closeShiftTx is the transactional body of closeShift, shared with
// Handover so that end+start commit as a single unit.
func closeShiftTx(ctx context.Context, tx *sql.Tx, shiftID string, p closeParams) (*model.ShiftReport, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shift_sessions
		WHERE id = ? AND status = 'active'
	`, shiftID)
	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "shift %s is not an active shift", shiftID)
	}
	if err != nil {
		return nil, fmt.Errorf("close shift: read: %w", err)
	}

	endNanos := p.now.UnixNano()

	var netRevenue sql.NullInt64
	var entryCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(parking_fee), 0), COUNT(*)
		FROM parking_entries
		WHERE payment_status = 'Paid' AND last_modified BETWEEN ? AND ?
	`, shift.StartTime.UnixNano(), endNanos).Scan(&netRevenue, &entryCount)
	if err != nil {
		return nil, fmt.Errorf("close shift: revenue: %w", err)
	}

	discrepancy := p.closingCash - shift.OpeningCash - netRevenue.Int64

	res, err := tx.ExecContext(ctx, `
		UPDATE shift_sessions
		SET status = ?, end_time = ?, closing_cash = ?, notes = ?,
		    cash_discrepancy = ?, ended_by = ?, end_reason = ?
		WHERE id = ? AND status = 'active'
	`, string(p.status), endNanos, p.closingCash, p.notes,
		discrepancy, p.endedBy, p.endReason, shiftID)
	if err != nil {
		return nil, fmt.Errorf("close shift: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fault.New(fault.CodeNotFound, "shift %s is not an active shift", shiftID)
	}

	if err := writeShiftChange(ctx, tx, shiftID, p, shift); err != nil {
		return nil, err
	}

	return &model.ShiftReport{
		ShiftID:         shiftID,
		OperatorID:      shift.OperatorID,
		StartTime:       shift.StartTime,
		EndTime:         p.now,
		OpeningCash:     shift.OpeningCash,
		ClosingCash:     p.closingCash,
		NetRevenue:      netRevenue.Int64,
		CashDiscrepancy: discrepancy,
		EntryCount:      entryCount,
		Notes:           p.notes,
	}, nil
}

// Handover atomically ends the outgoing shift as 'handover' and starts
// the incoming operator's session. Either both rows commit or neither
// does; the active-slot index cannot observe an intermediate state
// because the transaction frees and re-takes the slot before commit.
func (s *Store) Handover(ctx context.Context, outgoingID string, incoming *model.ShiftSession, cashTransferred int64, notes string, now time.Time) (*model.ShiftReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("handover: begin: %w", err)
	}
	defer tx.Rollback()

	report, err := closeShiftTx(ctx, tx, outgoingID, closeParams{
		status:      model.StatusHandover,
		closingCash: cashTransferred,
		notes:       notes,
		now:         now,
	})
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shift_sessions
		(id, operator_id, start_time, opening_cash, status, notes)
		VALUES (?, ?, ?, ?, 'active', ?)
	`,
		incoming.ID,
		incoming.OperatorID,
		incoming.StartTime.UnixNano(),
		incoming.OpeningCash,
		incoming.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fault.Wrap(fault.CodeConflict, err,
				"another shift took the active slot during handover")
		}
		return nil, fmt.Errorf("handover: insert incoming: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("handover: commit: %w", err)
	}
	return report, nil
}

// EmergencyEnd force-terminates the active session identified by
// shiftID. The role check belongs to the lifecycle layer; the store
// records who ended it and why.
func (s *Store) EmergencyEnd(ctx context.Context, shiftID, supervisorID, reason string, closingCash int64, now time.Time) (*model.ShiftReport, error) {
	return s.closeShift(ctx, shiftID, closeParams{
		status:      model.StatusEmergencyEnded,
		closingCash: closingCash,
		endedBy:     supervisorID,
		endReason:   reason,
		now:         now,
	})
}

// writeShiftChange appends the audit row for a terminal transition.
func writeShiftChange(ctx context.Context, tx *sql.Tx, shiftID string, p closeParams, shift *model.ShiftSession) error {
	detail, err := json.Marshal(map[string]any{
		"operator_id":  shift.OperatorID,
		"closing_cash": p.closingCash,
		"reason":       p.endReason,
	})
	if err != nil {
		return fmt.Errorf("shift change detail: %w", err)
	}

	actor := p.endedBy
	if actor == "" {
		actor = shift.OperatorID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shift_changes (shift_id, change_type, actor_id, detail, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, shiftID, string(p.status), actor, string(detail), p.now.UnixNano())
	if err != nil {
		return fmt.Errorf("write shift change: %w", err)
	}
	return nil
}

// ReportForShift rebuilds the reconciliation report of a terminal
// shift from its stored row. Net revenue is derived from the recorded
// discrepancy, so the report matches what was computed at close time.
// Returns NotFound for unknown or still-active shifts.
func (s *Store) ReportForShift(ctx context.Context, shiftID string) (*model.ShiftReport, error) {
	shift, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if !shift.Status.Terminal() || shift.EndTime == nil || shift.ClosingCash == nil {
		return nil, fault.New(fault.CodeNotFound, "shift %s has no report yet", shiftID)
	}

	var entryCount int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM parking_entries
		WHERE payment_status = 'Paid' AND last_modified BETWEEN ? AND ?
	`, shift.StartTime.UnixNano(), shift.EndTime.UnixNano()).Scan(&entryCount)
	if err != nil {
		return nil, fmt.Errorf("report for shift %s: %w", shiftID, err)
	}

	return &model.ShiftReport{
		ShiftID:         shift.ID,
		OperatorID:      shift.OperatorID,
		StartTime:       shift.StartTime,
		EndTime:         *shift.EndTime,
		OpeningCash:     shift.OpeningCash,
		ClosingCash:     *shift.ClosingCash,
		NetRevenue:      *shift.ClosingCash - shift.OpeningCash - shift.CashDiscrepancy,
		CashDiscrepancy: shift.CashDiscrepancy,
		EntryCount:      entryCount,
		Notes:           shift.Notes,
	}, nil
}

// ListShiftChanges returns the audit trail for a shift, oldest first.
func (s *Store) ListShiftChanges(ctx context.Context, shiftID string) ([]ShiftChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, change_type, actor_id, detail, changed_at
		FROM shift_changes
		WHERE shift_id = ?
		ORDER BY changed_at ASC, id ASC
	`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("list shift changes: %w", err)
	}
	defer rows.Close()

	changes := []ShiftChange{}
	for rows.Next() {
		var c ShiftChange
		var changedAt int64
		if err := rows.Scan(&c.ID, &c.ShiftID, &c.ChangeType, &c.ActorID, &c.Detail, &changedAt); err != nil {
			return nil, fmt.Errorf("scan shift change: %w", err)
		}
		c.ChangedAt = time.Unix(0, changedAt).UTC()
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shift changes: %w", err)
	}
	return changes, nil
}

// ShiftChange is one row of the lifecycle audit trail.
type ShiftChange struct {
	ID         int64     `json:"id"`
	ShiftID    string    `json:"shift_id"`
	ChangeType string    `json:"change_type"`
	ActorID    string    `json:"actor_id"`
	Detail     string    `json:"detail"`
	ChangedAt  time.Time `json:"changed_at"`
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanShift(row scanner) (*model.ShiftSession, error) {
	var (
		shift       model.ShiftSession
		startNanos  int64
		endNanos    sql.NullInt64
		closingCash sql.NullInt64
		status      string
	)
	err := row.Scan(
		&shift.ID,
		&shift.OperatorID,
		&startNanos,
		&endNanos,
		&shift.OpeningCash,
		&closingCash,
		&status,
		&shift.Notes,
		&shift.CashDiscrepancy,
		&shift.EndedBy,
		&shift.EndReason,
	)
	if err != nil {
		return nil, err
	}

	shift.StartTime = time.Unix(0, startNanos).UTC()
	if endNanos.Valid {
		t := time.Unix(0, endNanos.Int64).UTC()
		shift.EndTime = &t
	}
	if closingCash.Valid {
		shift.ClosingCash = &closingCash.Int64
	}
	shift.Status = model.ShiftStatus(status)
	return &shift, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure (the active-slot index firing).
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
