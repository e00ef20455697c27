package model

import "time"

// ShiftStatus is the lifecycle state of a shift session.
type ShiftStatus string

const (
	// StatusActive is the single in-progress shift. At most one session
	// system-wide may hold this status.
	StatusActive ShiftStatus = "active"
	// StatusCompleted is a shift ended through the normal end flow.
	StatusCompleted ShiftStatus = "completed"
	// StatusHandover is a shift ended by transferring the active slot to
	// an incoming operator.
	StatusHandover ShiftStatus = "handover"
	// StatusEmergencyEnded is a shift force-terminated by a supervisor.
	StatusEmergencyEnded ShiftStatus = "emergency_ended"
)

// Terminal reports whether the status is an end state. EndTime is set
// if and only if Terminal() is true.
func (s ShiftStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusHandover, StatusEmergencyEnded:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle states.
func (s ShiftStatus) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// ShiftSession represents one bounded work period for one operator,
// with opening/closing cash reconciliation.
//
// Created by start/handover, mutated only by lifecycle transitions,
// never deleted.
type ShiftSession struct {
	ID          string      `json:"id"`
	OperatorID  string      `json:"operator_id"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     *time.Time  `json:"end_time,omitempty"`
	OpeningCash int64       `json:"opening_cash"` // cents
	ClosingCash *int64      `json:"closing_cash,omitempty"`
	Status      ShiftStatus `json:"status"`
	Notes       string      `json:"notes,omitempty"`

	// CashDiscrepancy = closing - opening - net revenue. Zero while active.
	CashDiscrepancy int64 `json:"cash_discrepancy"`

	// Set only for emergency_ended sessions.
	EndedBy   string `json:"ended_by,omitempty"`
	EndReason string `json:"end_reason,omitempty"`
}

// Active reports whether the session currently holds the active slot.
func (s *ShiftSession) Active() bool {
	return s.Status == StatusActive
}

// ShiftReport is the reconciliation summary produced when a shift ends.
type ShiftReport struct {
	ShiftID         string    `json:"shift_id"`
	OperatorID      string    `json:"operator_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	OpeningCash     int64     `json:"opening_cash"`
	ClosingCash     int64     `json:"closing_cash"`
	NetRevenue      int64     `json:"net_revenue"`
	CashDiscrepancy int64     `json:"cash_discrepancy"`
	EntryCount      int       `json:"entry_count"`
	Notes           string    `json:"notes,omitempty"`
}

// Role is a verified role supplied by the identity provider. lotsync
// consumes it for the emergency-end check only; it never authenticates.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

// CanEmergencyEnd reports whether the role may force-terminate a shift.
func (r Role) CanEmergencyEnd() bool {
	switch r {
	case RoleSupervisor, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Identity is a verified user id and role pair, as provided by the
// external auth collaborator.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}
