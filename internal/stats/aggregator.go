// Package stats recomputes read-only derived metrics over the current
// parking entry set.
//
// The aggregator is pure and idempotent: no incremental counters, no
// delta state. Every relevant change event triggers a full O(n)
// recompute, trading per-update cost for the elimination of drift bugs.
// At facility scale (hundreds of entries) that trade is free.
package stats

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/parkops/lotsync/internal/model"
)

// Snapshot is one recomputed view of the facility.
type Snapshot struct {
	TotalEntries   int            `json:"total_entries"`
	ParkedCount    int            `json:"parked_count"`
	ExitedCount    int            `json:"exited_count"`
	UnpaidCount    int            `json:"unpaid_count"`
	OverstayCount  int            `json:"overstay_count"`
	PaidRevenue    int64          `json:"paid_revenue"`    // collected fees
	PendingRevenue int64          `json:"pending_revenue"` // accrued, uncollected
	ByVehicleType  map[string]int `json:"by_vehicle_type"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// Occupancy returns parked vehicles as a fraction of capacity, clamped
// to [0, 1]. Zero capacity reports zero.
func (s *Snapshot) Occupancy(capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	o := float64(s.ParkedCount) / float64(capacity)
	if o > 1 {
		return 1
	}
	return o
}

// Aggregator computes snapshots. It holds only configuration (rates,
// overstay threshold), never derived state.
type Aggregator struct {
	rates         model.RateCard
	overstayHours float64
	now           func() time.Time
}

// New creates an aggregator. A nil rate card uses the default rates;
// overstayHours <= 0 uses 24.
func New(rates model.RateCard, overstayHours float64) *Aggregator {
	if rates == nil {
		rates = model.DefaultRates
	}
	if overstayHours <= 0 {
		overstayHours = 24
	}
	return &Aggregator{
		rates:         rates,
		overstayHours: overstayHours,
		now:           time.Now,
	}
}

// WithClock overrides wall-clock time (tests).
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Compute produces a snapshot from the full entry set. Calling it twice
// on the same input yields the same output.
func (a *Aggregator) Compute(entries []model.ParkingEntry) Snapshot {
	now := a.now().UTC()
	snap := Snapshot{
		ByVehicleType: make(map[string]int),
		ComputedAt:    now,
	}

	for i := range entries {
		e := &entries[i]
		snap.TotalEntries++
		snap.ByVehicleType[e.VehicleType]++

		switch e.Status {
		case model.EntryParked:
			snap.ParkedCount++
			if e.Overstayed(a.overstayHours, now) {
				snap.OverstayCount++
			}
		case model.EntryExited:
			snap.ExitedCount++
		}

		switch e.PaymentStatus {
		case model.PaymentPaid:
			snap.PaidRevenue += e.ParkingFee
		case model.PaymentUnpaid:
			snap.UnpaidCount++
			snap.PendingRevenue += e.Fee(a.rates, now)
		}
	}
	return snap
}

// InterestedIn reports whether an event should trigger a recompute.
func InterestedIn(ev model.ChangeEvent) bool {
	return ev.Entity == "parking_entries"
}

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders a cash amount (stored in whole rupees per the
// legacy books) with digit grouping, for reports and log lines.
func FormatAmount(amount int64) string {
	return amountPrinter.Sprintf("%d", amount)
}
