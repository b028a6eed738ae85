package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/clock"
	"github.com/opd/opd/internal/gateway"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/notification"
)

// Gateway is the payment gateway surface the service needs.
type Gateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
	InitiateRefund(ctx context.Context, paymentID string, amount int64) (*gateway.Refund, error)
	VerifyPaymentSignature(orderID, paymentID, signature string) error
	VerifyWebhookSignature(body []byte, signature string) error
}

// Notifier sends patient-facing messages. Delivery failures never fail a
// booking flow.
type Notifier interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

type Service struct {
	slots    SlotRepository
	appts    AppointmentRepository
	payments PaymentRepository
	gw       Gateway
	notifier Notifier
	clk      clock.Clock
	log      zerolog.Logger

	// runTx wraps booking flows in a lock-bounded transaction. Tests swap
	// in a pass-through.
	runTx func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(pool *pgxpool.Pool, slots SlotRepository, appts AppointmentRepository,
	payments PaymentRepository, gw Gateway, notifier Notifier, clk clock.Clock,
	log zerolog.Logger, lockTimeout time.Duration) *Service {
	return &Service{
		slots:    slots,
		appts:    appts,
		payments: payments,
		gw:       gw,
		notifier: notifier,
		clk:      clk,
		log:      log.With().Str("component", "booking").Logger(),
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithLockTimeout(ctx, pool, lockTimeout, fn)
		},
	}
}

// inTx runs fn inside a lock-bounded transaction.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.runTx(ctx, fn)
}

// notify sends a templated message, logging failures instead of returning
// them.
func (s *Service) notify(ctx context.Context, templateID string, data map[string]string, recipient string) {
	if s.notifier == nil || recipient == "" {
		return
	}
	if _, err := s.notifier.SendFromTemplate(ctx, templateID, data, recipient); err != nil {
		s.log.Warn().Err(err).Str("template", templateID).Msg("notification failed")
	}
}

// -- Slots --

// SlotWindow is one time window in a bulk slot creation request.
type SlotWindow struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// CreateSlots creates one slot per window for a doctor's day.
func (s *Service) CreateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time, windows []SlotWindow, maxUnits int) ([]*Slot, error) {
	if doctorID == uuid.Nil {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("at least one time window is required")
	}
	if maxUnits <= 0 {
		maxUnits = 1
	}

	out := make([]*Slot, 0, len(windows))
	err := s.inTx(ctx, func(ctx context.Context) error {
		for _, w := range windows {
			if w.StartTime == "" || w.EndTime == "" {
				return fmt.Errorf("start_time and end_time are required")
			}
			sl := &Slot{
				DoctorID:  doctorID,
				Date:      date,
				StartTime: w.StartTime,
				EndTime:   w.EndTime,
				MaxUnits:  maxUnits,
			}
			if err := s.slots.Create(ctx, sl); err != nil {
				return fmt.Errorf("create slot %s-%s: %w", w.StartTime, w.EndTime, err)
			}
			out = append(out, sl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.slots.GetByID(ctx, id)
}

func (s *Service) ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	return s.slots.List(ctx, f, limit, offset)
}

func (s *Service) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	return s.slots.SoftDelete(ctx, id)
}

// -- Appointments --

// CreateAppointmentInput carries a booking request.
type CreateAppointmentInput struct {
	PatientID    uuid.UUID `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	PatientEmail string    `json:"patient_email"`
	PatientPhone string    `json:"patient_phone"`
	DoctorID     uuid.UUID `json:"doctor_id"`
	SlotID       uuid.UUID `json:"slot_id"`
	Reason       string    `json:"reason"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	// Offline marks a walk-in booking collected at the desk; no gateway
	// order is created and the appointment goes straight to scheduled.
	Offline bool `json:"offline"`
}

func (in *CreateAppointmentInput) validate() error {
	if in.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if in.PatientName == "" {
		return fmt.Errorf("patient_name is required")
	}
	if in.SlotID == uuid.Nil {
		return fmt.Errorf("slot_id is required")
	}
	if !in.Offline && in.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// CreateAppointmentResult is the booking outcome returned to the caller. For
// online bookings Order carries the gateway order the client pays against.
type CreateAppointmentResult struct {
	Appointment *Appointment   `json:"appointment"`
	Order       *gateway.Order `json:"order,omitempty"`
}

// CreateAppointment reserves a slot unit and creates the appointment. Online
// bookings get a gateway order and start pending until payment; walk-ins are
// scheduled immediately. The slot read, the reservation and the appointment
// insert share one transaction so concurrent bookings of the last unit
// serialize on the slot row.
func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*CreateAppointmentResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Currency == "" {
		in.Currency = "INR"
	}

	var appt *Appointment
	err := s.inTx(ctx, func(ctx context.Context) error {
		slot, err := s.slots.FindForBooking(ctx, in.SlotID)
		if err != nil {
			return err
		}
		if slot.AvailableUnits <= 0 {
			return ErrSlotUnavailable
		}

		appt = &Appointment{
			PatientID:     in.PatientID,
			PatientName:   in.PatientName,
			PatientEmail:  in.PatientEmail,
			PatientPhone:  in.PatientPhone,
			DoctorID:      slot.DoctorID,
			SlotID:        slot.ID,
			Date:          slot.Date,
			StartTime:     slot.StartTime,
			Reason:        in.Reason,
			Status:        StatusPending,
			PaymentStatus: PaymentPending,
			Amount:        in.Amount,
			Currency:      in.Currency,
		}
		if in.Offline {
			appt.Status = StatusScheduled
			appt.PaymentStatus = PaymentNotRequired
		}
		if err := s.appts.Create(ctx, appt); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		return s.slots.Reserve(ctx, slot.ID, appt.ID)
	})
	if err != nil {
		return nil, err
	}

	if in.Offline {
		s.log.Info().Str("appointment_id", appt.ID.String()).Msg("walk-in appointment scheduled")
		s.notify(ctx, notification.TemplateBookingConfirmed, s.apptData(appt), appt.PatientEmail)
		return &CreateAppointmentResult{Appointment: appt}, nil
	}

	order, err := s.gw.CreateOrder(ctx, in.Amount, in.Currency, "appt_"+appt.ID.String(),
		map[string]string{"appointment_id": appt.ID.String()})
	if err != nil {
		// Undo the hold so the unit goes back on sale.
		compErr := s.inTx(ctx, func(ctx context.Context) error {
			if err := s.slots.Release(ctx, appt.SlotID, appt.ID); err != nil {
				return err
			}
			return s.appts.SoftDelete(ctx, appt.ID)
		})
		if compErr != nil {
			s.log.Error().Err(compErr).Str("appointment_id", appt.ID.String()).
				Msg("failed to roll back hold after order creation failure")
		}
		return nil, fmt.Errorf("create gateway order: %w", err)
	}

	appt.OrderID = order.ID
	if err := s.appts.Update(ctx, appt.ID, AppointmentUpdate{OrderID: &order.ID}); err != nil {
		return nil, fmt.Errorf("attach order: %w", err)
	}
	if err := s.payments.Create(ctx, &Payment{
		AppointmentID: appt.ID,
		OrderID:       order.ID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Status:        PaymentRecordCreated,
	}); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("order_id", order.ID).
		Int64("amount", in.Amount).
		Msg("appointment held pending payment")
	s.notify(ctx, notification.TemplateBookingPending, s.apptData(appt), appt.PatientEmail)

	return &CreateAppointmentResult{Appointment: appt, Order: order}, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appts.GetByID(ctx, id)
}

func (s *Service) SearchAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	return s.appts.Search(ctx, f, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.appts.Stats(ctx)
}

// VerifyPayment handles the synchronous checkout callback: it checks the
// signature then applies the same confirmation the payment.captured webhook
// would, so whichever arrives first wins and the other is a no-op.
func (s *Service) VerifyPayment(ctx context.Context, orderID, paymentID, signature string) (*Appointment, error) {
	if err := s.gw.VerifyPaymentSignature(orderID, paymentID, signature); err != nil {
		return nil, err
	}
	return s.markPaymentCaptured(ctx, orderID, paymentID, "")
}

// markPaymentCaptured confirms the appointment for a captured payment. It is
// idempotent: a payment already marked paid leaves everything untouched.
func (s *Service) markPaymentCaptured(ctx context.Context, orderID, paymentID, method string) (*Appointment, error) {
	var appt *Appointment
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payments.GetByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		appt, err = s.appts.GetForUpdate(ctx, p.AppointmentID)
		if err != nil {
			return err
		}

		if p.Status == PaymentRecordPaid {
			s.log.Info().Str("order_id", orderID).Msg("payment already captured, skipping")
			return nil
		}
		if !CanTransition(appt.Status, StatusConfirmed) {
			// Hold already swept or appointment cancelled; payment will be
			// reconciled by a refund.
			return fmt.Errorf("appointment %s is %s: %w", appt.ID, appt.Status, ErrInvalidTransition)
		}

		p.PaymentID = paymentID
		p.Status = PaymentRecordPaid
		if method != "" {
			p.Method = method
		}
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}

		confirmed, paid := StatusConfirmed, PaymentPaid
		if err := s.appts.Update(ctx, appt.ID, AppointmentUpdate{Status: &confirmed, PaymentStatus: &paid}); err != nil {
			return err
		}
		appt.Status = confirmed
		appt.PaymentStatus = paid
		return s.slots.Confirm(ctx, appt.SlotID, appt.ID)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("order_id", orderID).Str("appointment_id", appt.ID.String()).Msg("appointment confirmed")
	s.notify(ctx, notification.TemplateBookingConfirmed, s.apptData(appt), appt.PatientEmail)
	return appt, nil
}

// CancelAppointment cancels a booking and releases the slot unit. A captured
// payment is refunded first; a refund failure aborts the cancellation so the
// patient keeps the slot. An already-refunded response from the gateway counts
// as success and the local records converge to match.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason, by string) (*Appointment, error) {
	appt, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(appt.Status, StatusCancelled) {
		return nil, fmt.Errorf("appointment %s is %s: %w", id, appt.Status, ErrInvalidTransition)
	}

	refundNote := ""
	if appt.PaymentStatus == PaymentPaid {
		if err := s.refundAppointment(ctx, appt); err != nil {
			s.log.Error().Err(err).Str("appointment_id", id.String()).Msg("refund failed, cancellation aborted")
			return nil, fmt.Errorf("refund failed, appointment not cancelled: %w", err)
		}
		appt.PaymentStatus = PaymentRefunded
		refundNote = "Your payment will be refunded in 5-7 business days."
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		current, err := s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(current.Status, StatusCancelled) {
			// The refund webhook may have cancelled it between the refund call
			// and this transaction.
			appt = current
			return nil
		}

		now := s.clk.Now()
		cancelled := StatusCancelled
		update := AppointmentUpdate{
			Status:       &cancelled,
			CancelReason: &reason,
			CancelledBy:  &by,
			CancelledAt:  &now,
		}
		if appt.PaymentStatus == PaymentRefunded && current.PaymentStatus != PaymentRefunded {
			refunded := PaymentRefunded
			update.PaymentStatus = &refunded
		}
		if err := s.appts.Update(ctx, id, update); err != nil {
			return err
		}
		current.Status = cancelled
		current.CancelReason = reason
		current.CancelledBy = by
		current.CancelledAt = &now
		if update.PaymentStatus != nil {
			current.PaymentStatus = *update.PaymentStatus
		}
		appt = current
		return s.slots.Release(ctx, current.SlotID, current.ID)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("appointment_id", id.String()).Str("cancelled_by", by).Msg("appointment cancelled")
	data := s.apptData(appt)
	data["refund_note"] = refundNote
	s.notify(ctx, notification.TemplateBookingCancelled, data, appt.PatientEmail)
	return appt, nil
}

// refundAppointment refunds the captured payment for appt and records the
// outcome.
func (s *Service) refundAppointment(ctx context.Context, appt *Appointment) error {
	p, err := s.payments.GetByAppointmentID(ctx, appt.ID)
	if err != nil {
		return err
	}
	if p.Status == PaymentRecordRefunded {
		return nil
	}

	refund, err := s.gw.InitiateRefund(ctx, p.PaymentID, p.Amount)
	if err != nil {
		return err
	}

	p.Status = PaymentRecordRefunded
	p.RefundID = refund.ID
	if err := s.payments.Update(ctx, p); err != nil {
		return err
	}
	refunded := PaymentRefunded
	return s.appts.Update(ctx, appt.ID, AppointmentUpdate{PaymentStatus: &refunded})
}

// RescheduleAppointment moves a live appointment to another slot, reserving
// the new unit before the old one is released so the patient never loses
// both.
func (s *Service) RescheduleAppointment(ctx context.Context, id, newSlotID uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		appt, err = s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch appt.Status {
		case StatusPending, StatusConfirmed, StatusScheduled:
		default:
			return fmt.Errorf("appointment %s is %s: %w", id, appt.Status, ErrInvalidTransition)
		}
		if appt.SlotID == newSlotID {
			return nil
		}

		newSlot, err := s.slots.FindForBooking(ctx, newSlotID)
		if err != nil {
			return err
		}
		if newSlot.AvailableUnits <= 0 {
			return ErrSlotUnavailable
		}
		if err := s.slots.Reserve(ctx, newSlot.ID, appt.ID); err != nil {
			return err
		}
		if err := s.slots.Release(ctx, appt.SlotID, appt.ID); err != nil {
			return err
		}

		update := AppointmentUpdate{
			SlotID:    &newSlot.ID,
			Date:      &newSlot.Date,
			StartTime: &newSlot.StartTime,
		}
		// A paid appointment moves to scheduled on its new slot; a pending
		// hold stays pending until payment.
		if appt.Status == StatusConfirmed {
			scheduled := StatusScheduled
			update.Status = &scheduled
		}
		if err := s.appts.Update(ctx, id, update); err != nil {
			return err
		}
		appt.SlotID = newSlot.ID
		appt.Date = newSlot.Date
		appt.StartTime = newSlot.StartTime
		if update.Status != nil {
			appt.Status = *update.Status
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("appointment_id", id.String()).Str("slot_id", newSlotID.String()).Msg("appointment rescheduled")
	s.notify(ctx, notification.TemplateRescheduled, s.apptData(appt), appt.PatientEmail)
	return appt, nil
}

// CompleteAppointment marks a visit done.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted)
}

// MarkNoShow records that the patient did not attend.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to string) (*Appointment, error) {
	var appt *Appointment
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		appt, err = s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(appt.Status, to) {
			return fmt.Errorf("appointment %s is %s: %w", id, appt.Status, ErrInvalidTransition)
		}
		if err := s.appts.Update(ctx, id, AppointmentUpdate{Status: &to}); err != nil {
			return err
		}
		appt.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("appointment_id", id.String()).Str("status", to).Msg("appointment updated")
	return appt, nil
}

func (s *Service) apptData(a *Appointment) map[string]string {
	return map[string]string{
		"patient_name":   a.PatientName,
		"appointment_id": a.ID.String(),
		"date":           a.Date.Format("2006-01-02"),
		"time":           a.StartTime,
		"doctor_name":    a.DoctorID.String(),
		"amount":         fmt.Sprintf("%s %.2f", a.Currency, float64(a.Amount)/100),
	}
}
