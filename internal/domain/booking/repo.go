package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotFilter narrows slot listings.
type SlotFilter struct {
	DoctorID *uuid.UUID
	Date     *time.Time
	Status   string
}

// AppointmentFilter narrows appointment searches.
type AppointmentFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    string
	DateFrom  *time.Time
	DateTo    *time.Time
}

// AppointmentUpdate is a partial update; nil fields are left untouched.
type AppointmentUpdate struct {
	Status        *string
	PaymentStatus *string
	OrderID       *string
	SlotID        *uuid.UUID
	Date          *time.Time
	StartTime     *string
	CancelReason  *string
	CancelledBy   *string
	CancelledAt   *time.Time
}

type SlotRepository interface {
	Create(ctx context.Context, s *Slot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// FindForBooking loads the slot under a row lock. It must run inside a
	// transaction carried by ctx.
	FindForBooking(ctx context.Context, id uuid.UUID) (*Slot, error)
	// Reserve atomically takes one unit from the slot. Returns
	// ErrSlotUnavailable when no units remain.
	Reserve(ctx context.Context, slotID, appointmentID uuid.UUID) error
	// Release returns one unit to the slot, capped at max_units, and clears
	// the appointment pin when it matches.
	Release(ctx context.Context, slotID, appointmentID uuid.UUID) error
	// Confirm pins the slot booked for a paid appointment.
	Confirm(ctx context.Context, slotID, appointmentID uuid.UUID) error
	List(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate loads the appointment under a row lock inside the
	// transaction carried by ctx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, id uuid.UUID, u AppointmentUpdate) error
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// FindExpired returns pending, payment-pending appointments created
	// before cutoff, oldest first, up to limit.
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error)
	Stats(ctx context.Context) (*Stats, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
}
