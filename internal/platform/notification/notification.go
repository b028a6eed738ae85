// Package notification delivers patient-facing booking messages over email
// and SMS with template rendering and an in-memory delivery log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type represents the channel used to deliver a notification.
type Type string

const (
	TypeEmail Type = "email"
	TypeSMS   Type = "sms"
)

// Built-in booking templates.
const (
	TemplateBookingPending   = "booking-pending"
	TemplateBookingConfirmed = "booking-confirmed"
	TemplateBookingCancelled = "booking-cancelled"
	TemplateRescheduled      = "booking-rescheduled"
	TemplateRefundProcessed  = "refund-processed"
	TemplatePaymentFailed    = "payment-failed"
)

// Notification represents a single outbound message.
type Notification struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Type    Type   `json:"type"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in booking
// templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateBookingPending,
			Subject: "Complete payment for your appointment",
			Body:    "Dear {{patient_name}}, your appointment with {{doctor_name}} on {{date}} at {{time}} is held. Complete payment within {{expiry_minutes}} minutes to confirm.",
			Type:    TypeEmail,
		},
		{
			ID:      TemplateBookingConfirmed,
			Subject: "Appointment confirmed",
			Body:    "Dear {{patient_name}}, your appointment with {{doctor_name}} on {{date}} at {{time}} is confirmed. Your booking reference is {{appointment_id}}.",
			Type:    TypeEmail,
		},
		{
			ID:      TemplateBookingCancelled,
			Subject: "Appointment cancelled",
			Body:    "Dear {{patient_name}}, your appointment on {{date}} at {{time}} has been cancelled. {{refund_note}}",
			Type:    TypeEmail,
		},
		{
			ID:      TemplateRescheduled,
			Subject: "Appointment rescheduled",
			Body:    "Dear {{patient_name}}, your appointment has been moved to {{date}} at {{time}} with {{doctor_name}}.",
			Type:    TypeEmail,
		},
		{
			ID:      TemplateRefundProcessed,
			Subject: "Refund processed",
			Body:    "Dear {{patient_name}}, your refund of {{amount}} for appointment {{appointment_id}} has been processed. It may take 5-7 business days to reflect.",
			Type:    TypeEmail,
		},
		{
			ID:      TemplatePaymentFailed,
			Subject: "Payment failed",
			Body:    "Dear {{patient_name}}, the payment for your appointment on {{date}} failed. The slot has been released; please book again.",
			Type:    TypeEmail,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

func (e *TemplateEngine) templateType(templateID string) Type {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.templates[templateID]; ok {
		return t.Type
	}
	return TypeEmail
}

// LogSender writes messages to the log instead of delivering them. Used in
// development and as the default when no provider is configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Log.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("email (log only)")
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Log.Info().Str("to", to).Str("body", body).Msg("sms (log only)")
	return nil
}

// Manager orchestrates rendering, sending and the in-memory delivery log.
// Delivery failures are recorded but never propagated to booking flows.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	log       zerolog.Logger

	mu   sync.RWMutex
	sent map[string]*Notification
}

func NewManager(email EmailSender, sms SMSSender, tpl *TemplateEngine, log zerolog.Logger) *Manager {
	return &Manager{
		email:     email,
		sms:       sms,
		templates: tpl,
		log:       log.With().Str("component", "notification").Logger(),
		sent:      make(map[string]*Notification),
	}
}

// Send dispatches a notification through the appropriate channel, assigns an
// ID and timestamps, and records the result.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()

	var sendErr error
	switch n.Type {
	case TypeEmail:
		sendErr = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case TypeSMS:
		sendErr = m.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		sendErr = fmt.Errorf("unsupported notification type: %s", n.Type)
	}

	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
		m.log.Warn().Err(sendErr).Str("recipient", n.Recipient).Str("template", n.TemplateID).Msg("notification delivery failed")
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}

	m.mu.Lock()
	m.sent[n.ID] = n
	m.mu.Unlock()

	return sendErr
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		Type:       m.templates.templateType(templateID),
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
		Data:       data,
	}
	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Get retrieves a recorded notification by ID.
func (m *Manager) Get(id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.sent[id]
	if !ok {
		return nil, errors.New("notification not found")
	}
	return n, nil
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.sent[id]
	m.mu.RUnlock()
	if !ok {
		return errors.New("notification not found")
	}
	if n.Status != "failed" {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, n.Status)
	}

	var sendErr error
	switch n.Type {
	case TypeEmail:
		sendErr = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case TypeSMS:
		sendErr = m.sms.SendSMS(ctx, n.Recipient, n.Body)
	}

	m.mu.Lock()
	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
		n.Error = ""
	}
	m.mu.Unlock()

	return sendErr
}

// Stats returns counts of recorded notifications grouped by status.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, n := range m.sent {
		out[n.Status]++
	}
	return out
}
