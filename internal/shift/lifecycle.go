// Package shift implements the shift-session state machine.
//
// States: none → active → {completed, handover, emergency_ended}.
// Terminal states are retained forever; the store enforces that at most
// one session is active at any time. Every terminal transition emits a
// broadcast that round-trips to all connected clients, including the
// initiator, each refreshing its own projections.
package shift

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
	"github.com/parkops/lotsync/internal/stats"
)

// Store is the persistence contract the lifecycle writes through. The
// atomic single-active-shift guarantee lives behind this interface.
type Store interface {
	StartShift(ctx context.Context, shift *model.ShiftSession) error
	GetCurrentActiveShift(ctx context.Context) (*model.ShiftSession, error)
	GetShift(ctx context.Context, id string) (*model.ShiftSession, error)
	EndShift(ctx context.Context, shiftID string, closingCash int64, notes string, now time.Time) (*model.ShiftReport, error)
	Handover(ctx context.Context, outgoingID string, incoming *model.ShiftSession, cashTransferred int64, notes string, now time.Time) (*model.ShiftReport, error)
	EmergencyEnd(ctx context.Context, shiftID, supervisorID, reason string, closingCash int64, now time.Time) (*model.ShiftReport, error)
}

// Broadcaster publishes lifecycle events to every connected client.
type Broadcaster interface {
	Broadcast(kind model.BroadcastKind, payload model.BroadcastPayload)
}

// ReportSink persists end-of-shift reports. Failures during emergency
// end are non-fatal side effects: logged, never rolled back.
type ReportSink interface {
	WriteReport(ctx context.Context, report *model.ShiftReport) error
}

// NameResolver maps an operator id to a display name for broadcast
// payloads. Optional; a nil resolver leaves employee_name empty.
type NameResolver func(operatorID string) string

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithClock overrides wall-clock time (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// WithIDGenerator overrides session id generation (tests).
func WithIDGenerator(newID func() string) Option {
	return func(l *Lifecycle) { l.newID = newID }
}

// WithReportSink attaches an auxiliary report writer.
func WithReportSink(sink ReportSink) Option {
	return func(l *Lifecycle) { l.reports = sink }
}

// WithNameResolver attaches an operator display-name lookup.
func WithNameResolver(r NameResolver) Option {
	return func(l *Lifecycle) { l.names = r }
}

// Lifecycle drives shift transitions. All mutations go through the
// store; the store's conditional writes are the authority on the
// active-slot invariant, and local reads are hints only.
type Lifecycle struct {
	store     Store
	broadcast Broadcaster
	reports   ReportSink
	names     NameResolver
	now       func() time.Time
	newID     func() string
	log       *slog.Logger
}

// New creates a lifecycle over a store and broadcaster.
func New(store Store, broadcast Broadcaster, log *slog.Logger, opts ...Option) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	l := &Lifecycle{
		store:     store,
		broadcast: broadcast,
		now:       time.Now,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		log:       log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start opens a new active shift for an operator.
//
// The preflight active-shift read is a fast path that produces a better
// message; losing the race past it is still safe because the store's
// conditional insert is what actually guards the slot. A concurrent
// start surfaces as Conflict and the caller must re-read state before
// retrying.
func (l *Lifecycle) Start(ctx context.Context, operatorID string, openingCash int64) (*model.ShiftSession, error) {
	if operatorID == "" {
		return nil, fault.New(fault.CodeValidation, "operator id is required")
	}
	if openingCash < 0 {
		return nil, fault.New(fault.CodeValidation, "opening cash cannot be negative")
	}

	if current, err := l.store.GetCurrentActiveShift(ctx); err == nil {
		return nil, fault.New(fault.CodeConflict,
			"operator %s already has the active shift", current.OperatorID)
	} else if !fault.IsNotFound(err) {
		return nil, err
	}

	shift := &model.ShiftSession{
		ID:          l.newID(),
		OperatorID:  operatorID,
		StartTime:   l.now().UTC(),
		OpeningCash: openingCash,
		Status:      model.StatusActive,
	}
	if err := l.store.StartShift(ctx, shift); err != nil {
		return nil, err
	}

	l.log.Info("shift started", "shift_id", shift.ID, "operator_id", operatorID)
	l.emit(model.BroadcastShiftStarted, shift, "")
	return shift, nil
}

// End completes the active shift identified by shiftID. Cash
// discrepancy is closingCash - openingCash - net revenue, computed by
// the store inside the closing transaction.
func (l *Lifecycle) End(ctx context.Context, shiftID string, closingCash int64, notes string) (*model.ShiftReport, error) {
	if shiftID == "" {
		return nil, fault.New(fault.CodeValidation, "shift id is required")
	}
	if closingCash < 0 {
		return nil, fault.New(fault.CodeValidation, "closing cash cannot be negative")
	}

	report, err := l.store.EndShift(ctx, shiftID, closingCash, notes, l.now().UTC())
	if err != nil {
		return nil, err
	}

	l.log.Info("shift ended",
		"shift_id", shiftID,
		"net_revenue", stats.FormatAmount(report.NetRevenue),
		"discrepancy", stats.FormatAmount(report.CashDiscrepancy))
	l.emitEnded(ctx, model.BroadcastShiftEnded, shiftID, "")
	l.writeReport(ctx, report)
	return report, nil
}

// Handover atomically ends the outgoing shift as 'handover' and starts
// a new active shift for the incoming operator. Either both happen or
// neither does.
func (l *Lifecycle) Handover(ctx context.Context, shiftID, incomingOperatorID string, cashTransferred int64, notes string) (*model.ShiftSession, *model.ShiftReport, error) {
	if shiftID == "" || incomingOperatorID == "" {
		return nil, nil, fault.New(fault.CodeValidation, "shift id and incoming operator are required")
	}
	if cashTransferred < 0 {
		return nil, nil, fault.New(fault.CodeValidation, "transferred cash cannot be negative")
	}

	now := l.now().UTC()
	incoming := &model.ShiftSession{
		ID:          l.newID(),
		OperatorID:  incomingOperatorID,
		StartTime:   now,
		OpeningCash: cashTransferred,
		Status:      model.StatusActive,
		Notes:       notes,
	}

	report, err := l.store.Handover(ctx, shiftID, incoming, cashTransferred, notes, now)
	if err != nil {
		return nil, nil, err
	}

	l.log.Info("shift handed over",
		"outgoing_shift", shiftID,
		"incoming_shift", incoming.ID,
		"incoming_operator", incomingOperatorID,
		"cash_transferred", stats.FormatAmount(cashTransferred))
	l.emit(model.BroadcastShiftHandover, incoming, "")
	l.writeReport(ctx, report)
	return incoming, report, nil
}

// EmergencyEnd force-terminates a shift. Requires a supervisor-class
// role; authorization failures are PermissionDenied and never retried.
// closingCash nil defaults to the shift's opening cash. A report-sink
// failure is logged and swallowed; it must not roll back the
// termination.
func (l *Lifecycle) EmergencyEnd(ctx context.Context, actor model.Identity, shiftID, reason string, closingCash *int64) (*model.ShiftReport, error) {
	if !actor.Role.CanEmergencyEnd() {
		return nil, fault.New(fault.CodePermissionDenied,
			"role %q may not emergency-end a shift", actor.Role)
	}
	if shiftID == "" {
		return nil, fault.New(fault.CodeValidation, "shift id is required")
	}
	if reason == "" {
		return nil, fault.New(fault.CodeValidation, "a reason is required for emergency end")
	}

	shift, err := l.store.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if !shift.Active() {
		return nil, fault.New(fault.CodeNotFound, "shift %s is not an active shift", shiftID)
	}

	cash := shift.OpeningCash
	if closingCash != nil {
		cash = *closingCash
	}

	report, err := l.store.EmergencyEnd(ctx, shiftID, actor.UserID, reason, cash, l.now().UTC())
	if err != nil {
		return nil, err
	}

	l.log.Warn("shift emergency-ended",
		"shift_id", shiftID,
		"supervisor", actor.UserID,
		"reason", reason)
	l.emitEnded(ctx, model.BroadcastEmergencyEnd, shiftID, reason)

	if l.reports != nil {
		if err := l.reports.WriteReport(ctx, report); err != nil {
			// Non-fatal: the shift is already terminated.
			l.log.Error("emergency-end report generation failed",
				"shift_id", shiftID,
				"error", fault.Wrap(fault.CodeNonFatal, err, "report generation failed"))
		}
	}
	return report, nil
}

// Current returns the active shift, if any.
func (l *Lifecycle) Current(ctx context.Context) (*model.ShiftSession, error) {
	return l.store.GetCurrentActiveShift(ctx)
}

// emit publishes a broadcast for a known session.
func (l *Lifecycle) emit(kind model.BroadcastKind, shift *model.ShiftSession, reason string) {
	if l.broadcast == nil {
		return
	}
	payload := model.BroadcastPayload{
		Shift:     shift,
		Timestamp: l.now().UTC(),
		Reason:    reason,
	}
	if l.names != nil {
		payload.EmployeeName = l.names(shift.OperatorID)
	}
	l.broadcast.Broadcast(kind, payload)
}

// emitEnded re-reads the terminal session so the broadcast carries the
// post-transition row (end time, discrepancy).
func (l *Lifecycle) emitEnded(ctx context.Context, kind model.BroadcastKind, shiftID, reason string) {
	if l.broadcast == nil {
		return
	}
	shift, err := l.store.GetShift(ctx, shiftID)
	if err != nil {
		l.log.Error("failed to load ended shift for broadcast", "shift_id", shiftID, "error", err)
		return
	}
	l.emit(kind, shift, reason)
}

// writeReport persists an end-of-shift report when a sink is attached.
// Normal-end report failures are surfaced in logs only; the transition
// has already committed.
func (l *Lifecycle) writeReport(ctx context.Context, report *model.ShiftReport) {
	if l.reports == nil {
		return
	}
	if err := l.reports.WriteReport(ctx, report); err != nil {
		l.log.Error("report generation failed", "shift_id", report.ShiftID, "error", err)
	}
}
