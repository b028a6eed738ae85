// Package booking implements OPD appointment booking: slot inventory with
// atomic holds, the appointment state machine, payment reconciliation and
// expired-hold cleanup.
package booking

import (
	"time"

	"github.com/google/uuid"
)

// Slot statuses, derived from the hold counters. A slot whose units are all
// taken, or whose booking has been confirmed, is booked.
const (
	SlotAvailable = "available"
	SlotHold      = "hold"
	SlotBooked    = "booked"
)

// Appointment statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// Payment statuses recorded on the appointment.
const (
	PaymentPending     = "pending"
	PaymentPaid        = "paid"
	PaymentFailed      = "failed"
	PaymentRefunded    = "refunded"
	PaymentNotRequired = "not_required"
)

// Slot is a bookable unit of a doctor's calendar. MaxUnits patients can
// book the same slot; AvailableUnits counts what is left.
type Slot struct {
	ID             uuid.UUID  `json:"id"`
	DoctorID       uuid.UUID  `json:"doctor_id"`
	Date           time.Time  `json:"date"`
	StartTime      string     `json:"start_time"`
	EndTime        string     `json:"end_time"`
	MaxUnits       int        `json:"max_units"`
	AvailableUnits int        `json:"available_units"`
	Status         string     `json:"status"`
	AppointmentID  *uuid.UUID `json:"appointment_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// DeriveSlotStatus computes the status a slot should carry for its counters.
func DeriveSlotStatus(available, max int) string {
	switch {
	case available <= 0:
		return SlotBooked
	case available < max:
		return SlotHold
	default:
		return SlotAvailable
	}
}

// Appointment is a patient's booking against a slot.
type Appointment struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	PatientName   string     `json:"patient_name"`
	PatientEmail  string     `json:"patient_email,omitempty"`
	PatientPhone  string     `json:"patient_phone,omitempty"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	SlotID        uuid.UUID  `json:"slot_id"`
	Date          time.Time  `json:"date"`
	StartTime     string     `json:"start_time"`
	Reason        string     `json:"reason,omitempty"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	OrderID       string     `json:"order_id,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CancelledBy   string     `json:"cancelled_by,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// transitions is the appointment state machine. Completed, cancelled and
// no_show are terminal.
var transitions = map[string][]string{
	StatusPending:   {StatusConfirmed, StatusScheduled, StatusCancelled},
	StatusConfirmed: {StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusScheduled: {StatusCompleted, StatusCancelled, StatusNoShow},
}

// CanTransition reports whether an appointment may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Payment is the local record of a gateway payment for an appointment.
type Payment struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	OrderID       string    `json:"order_id"`
	PaymentID     string    `json:"payment_id,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Method        string    `json:"method,omitempty"`
	RefundID      string    `json:"refund_id,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorDesc     string    `json:"error_desc,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Gateway payment record statuses.
const (
	PaymentRecordCreated  = "created"
	PaymentRecordPaid     = "paid"
	PaymentRecordFailed   = "failed"
	PaymentRecordRefunded = "refunded"
)

// Stats summarises appointments for the dashboard endpoint.
type Stats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	NoShow    int64 `json:"no_show"`
}
