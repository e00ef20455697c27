package model

import (
	"strings"
	"time"
)

// EntryStatus is the parking state of a vehicle entry.
type EntryStatus string

const (
	EntryParked EntryStatus = "Parked"
	EntryExited EntryStatus = "Exited"
)

// PaymentStatus tracks whether an entry's fee has been collected.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "Unpaid"
	PaymentPaid   PaymentStatus = "Paid"
)

// ParkingEntry is one vehicle's stay at the facility.
type ParkingEntry struct {
	Serial        int64         `json:"serial"`
	TransportName string        `json:"transport_name"`
	VehicleType   string        `json:"vehicle_type"`
	VehicleNumber string        `json:"vehicle_number"`
	DriverName    string        `json:"driver_name,omitempty"`
	DriverPhone   string        `json:"driver_phone,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	EntryTime     time.Time     `json:"entry_time"`
	ExitTime      *time.Time    `json:"exit_time,omitempty"`
	Status        EntryStatus   `json:"status"`
	ParkingFee    int64         `json:"parking_fee"` // cents
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentType   string        `json:"payment_type,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
	LastModified  time.Time     `json:"last_modified"`
}

// NormalizeVehicleNumber canonicalizes a plate for storage and lookup.
func NormalizeVehicleNumber(n string) string {
	return strings.ToUpper(strings.TrimSpace(n))
}

// RateCard maps vehicle type to its daily rate in cents.
type RateCard map[string]int64

// DefaultRates is the facility's legacy rate card. Values are whole
// currency units kept as-is so revenue totals match the existing books.
var DefaultRates = RateCard{
	"Trailer":   225,
	"6 Wheeler": 150,
	"4 Wheeler": 100,
	"2 Wheeler": 50,
}

// DefaultDailyRate applies when a vehicle type is missing from the card.
const DefaultDailyRate int64 = 100

// Rate returns the daily rate for a vehicle type.
func (rc RateCard) Rate(vehicleType string) int64 {
	if r, ok := rc[vehicleType]; ok {
		return r
	}
	return DefaultDailyRate
}

// BillableDays computes chargeable days for a stay.
//
// The legacy billing rule: every started day is charged in full. Whole
// 24h periods count as days, and any remainder (even one second) adds
// one more day. A zero-length stay is zero days.
func BillableDays(entry, exit time.Time) int64 {
	d := exit.Sub(entry)
	if d <= 0 {
		return 0
	}
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// Fee computes the parking fee for the entry using the given rate card.
// Open entries (no exit time) are priced as if exiting at now.
func (e *ParkingEntry) Fee(rates RateCard, now time.Time) int64 {
	exit := now
	if e.ExitTime != nil {
		exit = *e.ExitTime
	}
	return BillableDays(e.EntryTime, exit) * rates.Rate(e.VehicleType)
}

// DurationHours returns the stay length in hours, using now for open entries.
func (e *ParkingEntry) DurationHours(now time.Time) float64 {
	exit := now
	if e.ExitTime != nil {
		exit = *e.ExitTime
	}
	return exit.Sub(e.EntryTime).Hours()
}

// Overstayed reports whether a still-parked vehicle has exceeded maxHours.
func (e *ParkingEntry) Overstayed(maxHours float64, now time.Time) bool {
	return e.Status == EntryParked && e.DurationHours(now) > maxHours
}
