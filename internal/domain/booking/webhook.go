package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd/opd/internal/platform/notification"
)

// Gateway webhook event names.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundProcessed = "refund.processed"
)

type paymentEntity struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Method    string `json:"method"`
	ErrorCode string `json:"error_code"`
	ErrorDesc string `json:"error_description"`
}

type refundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

// WebhookEvent is the gateway's webhook envelope.
type WebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity refundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// HandleWebhook verifies the signature over the raw body and applies the
// event. The gateway redelivers webhooks, so every handler is idempotent: a
// replay of an already-applied event succeeds without touching anything.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if err := s.gw.VerifyWebhookSignature(body, signature); err != nil {
		return err
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}

	s.log.Info().Str("event", event.Event).Msg("webhook received")

	switch event.Event {
	case EventPaymentCaptured:
		p := event.Payload.Payment.Entity
		_, err := s.markPaymentCaptured(ctx, p.OrderID, p.ID, p.Method)
		// A capture racing the expiry sweeper finds a cancelled appointment;
		// acknowledge the event and let the refund flow settle the payment.
		if errors.Is(err, ErrInvalidTransition) {
			s.log.Warn().Str("order_id", p.OrderID).Msg("capture arrived for a dead appointment")
			return nil
		}
		return err
	case EventPaymentFailed:
		return s.handlePaymentFailed(ctx, event.Payload.Payment.Entity)
	case EventRefundProcessed:
		return s.handleRefundProcessed(ctx, event.Payload.Refund.Entity)
	default:
		s.log.Info().Str("event", event.Event).Msg("ignoring unhandled webhook event")
		return nil
	}
}

// handlePaymentFailed cancels the held appointment and releases its slot
// unit. Replays find the payment already failed and do nothing.
func (s *Service) handlePaymentFailed(ctx context.Context, ent paymentEntity) error {
	var appt *Appointment
	var applied bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payments.GetByOrderID(ctx, ent.OrderID)
		if err != nil {
			return err
		}
		appt, err = s.appts.GetForUpdate(ctx, p.AppointmentID)
		if err != nil {
			return err
		}

		// Replays find the record already failed. A completed payment is
		// terminal against failure events too: webhook order is not
		// guaranteed, and a retried payment's capture may land before the
		// first attempt's failure.
		if p.Status == PaymentRecordFailed || p.Status == PaymentRecordPaid || p.Status == PaymentRecordRefunded {
			return nil
		}
		p.PaymentID = ent.ID
		p.Status = PaymentRecordFailed
		p.ErrorCode = ent.ErrorCode
		p.ErrorDesc = ent.ErrorDesc
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}

		if !CanTransition(appt.Status, StatusCancelled) {
			// Already cancelled (sweeper or patient); the slot was released
			// then.
			return nil
		}

		now := s.clk.Now()
		cancelled, failed := StatusCancelled, PaymentFailed
		reason, by := "payment failed", "system"
		if err := s.appts.Update(ctx, appt.ID, AppointmentUpdate{
			Status:        &cancelled,
			PaymentStatus: &failed,
			CancelReason:  &reason,
			CancelledBy:   &by,
			CancelledAt:   &now,
		}); err != nil {
			return err
		}
		appt.Status = cancelled
		applied = true
		return s.slots.Release(ctx, appt.SlotID, appt.ID)
	})
	if err != nil {
		return err
	}

	if applied {
		s.log.Info().Str("order_id", ent.OrderID).Str("error_code", ent.ErrorCode).
			Msg("appointment cancelled after payment failure")
		s.notify(ctx, notification.TemplatePaymentFailed, s.apptData(appt), appt.PatientEmail)
	}
	return nil
}

// handleRefundProcessed records the refund and, when cancellation has not
// happened yet, cancels the appointment and frees the slot.
func (s *Service) handleRefundProcessed(ctx context.Context, ent refundEntity) error {
	var appt *Appointment
	var applied bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.paymentByGatewayID(ctx, ent.PaymentID)
		if err != nil {
			return err
		}
		appt, err = s.appts.GetForUpdate(ctx, p.AppointmentID)
		if err != nil {
			return err
		}

		if p.Status != PaymentRecordRefunded {
			p.Status = PaymentRecordRefunded
			p.RefundID = ent.ID
			if err := s.payments.Update(ctx, p); err != nil {
				return err
			}
			applied = true
		}

		refunded := PaymentRefunded
		update := AppointmentUpdate{PaymentStatus: &refunded}
		if CanTransition(appt.Status, StatusCancelled) {
			now := s.clk.Now()
			cancelled := StatusCancelled
			reason, by := "payment refunded", "system"
			update.Status = &cancelled
			update.CancelReason = &reason
			update.CancelledBy = &by
			update.CancelledAt = &now
			if err := s.slots.Release(ctx, appt.SlotID, appt.ID); err != nil {
				return err
			}
			appt.Status = cancelled
		}
		if update.Status != nil || appt.PaymentStatus != PaymentRefunded {
			if err := s.appts.Update(ctx, appt.ID, update); err != nil {
				return err
			}
			appt.PaymentStatus = refunded
		}
		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		s.log.Info().Str("payment_id", ent.PaymentID).Str("refund_id", ent.ID).Msg("refund recorded")
		s.notify(ctx, notification.TemplateRefundProcessed, s.apptData(appt), appt.PatientEmail)
	}
	return nil
}

// paymentByGatewayID resolves a payment record from the gateway's payment id
// via the gateway API, since refund webhooks do not carry the order id.
func (s *Service) paymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error) {
	gp, err := s.gw.FetchPayment(ctx, gatewayPaymentID)
	if err != nil {
		return nil, err
	}
	return s.payments.GetByOrderID(ctx, gp.OrderID)
}
