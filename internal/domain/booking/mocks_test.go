package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/clock"
	"github.com/opd/opd/internal/gateway"
)

// -- Mock Repositories --

type mockSlotRepo struct {
	mu    sync.Mutex
	clk   clock.Clock
	slots map[uuid.UUID]*Slot
}

func newMockSlotRepo(clk clock.Clock) *mockSlotRepo {
	return &mockSlotRepo{clk: clk, slots: make(map[uuid.UUID]*Slot)}
}

func (m *mockSlotRepo) Create(_ context.Context, s *Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.AvailableUnits == 0 {
		s.AvailableUnits = s.MaxUnits
	}
	s.Status = DeriveSlotStatus(s.AvailableUnits, s.MaxUnits)
	s.CreatedAt = m.clk.Now()
	m.slots[s.ID] = s
	return nil
}

func (m *mockSlotRepo) GetByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.DeletedAt != nil {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSlotRepo) FindForBooking(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return m.GetByID(ctx, id)
}

func (m *mockSlotRepo) Reserve(_ context.Context, slotID, appointmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok || s.DeletedAt != nil || s.AvailableUnits <= 0 {
		return ErrSlotUnavailable
	}
	s.AvailableUnits--
	s.Status = DeriveSlotStatus(s.AvailableUnits, s.MaxUnits)
	s.AppointmentID = &appointmentID
	return nil
}

func (m *mockSlotRepo) Release(_ context.Context, slotID, appointmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if s.AvailableUnits < s.MaxUnits {
		s.AvailableUnits++
	}
	s.Status = DeriveSlotStatus(s.AvailableUnits, s.MaxUnits)
	if s.AppointmentID != nil && *s.AppointmentID == appointmentID {
		s.AppointmentID = nil
	}
	return nil
}

func (m *mockSlotRepo) Confirm(_ context.Context, slotID, appointmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	s.Status = SlotBooked
	s.AppointmentID = &appointmentID
	return nil
}

func (m *mockSlotRepo) List(_ context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Slot
	for _, s := range m.slots {
		if s.DeletedAt != nil {
			continue
		}
		if f.DoctorID != nil && s.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockSlotRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.DeletedAt != nil {
		return ErrSlotNotFound
	}
	now := m.clk.Now()
	s.DeletedAt = &now
	return nil
}

type mockAppointmentRepo struct {
	mu    sync.Mutex
	clk   clock.Clock
	appts map[uuid.UUID]*Appointment
}

func newMockAppointmentRepo(clk clock.Clock) *mockAppointmentRepo {
	return &mockAppointmentRepo{clk: clk, appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = m.clk.Now()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.DeletedAt != nil {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.GetByID(ctx, id)
}

func (m *mockAppointmentRepo) Update(_ context.Context, id uuid.UUID, u AppointmentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.DeletedAt != nil {
		return ErrAppointmentNotFound
	}
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.PaymentStatus != nil {
		a.PaymentStatus = *u.PaymentStatus
	}
	if u.OrderID != nil {
		a.OrderID = *u.OrderID
	}
	if u.SlotID != nil {
		a.SlotID = *u.SlotID
	}
	if u.Date != nil {
		a.Date = *u.Date
	}
	if u.StartTime != nil {
		a.StartTime = *u.StartTime
	}
	if u.CancelReason != nil {
		a.CancelReason = *u.CancelReason
	}
	if u.CancelledBy != nil {
		a.CancelledBy = *u.CancelledBy
	}
	if u.CancelledAt != nil {
		a.CancelledAt = u.CancelledAt
	}
	a.UpdatedAt = m.clk.Now()
	return nil
}

func (m *mockAppointmentRepo) Search(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.DeletedAt != nil {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockAppointmentRepo) FindExpired(_ context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.DeletedAt != nil {
			continue
		}
		if a.Status == StatusPending && a.PaymentStatus == PaymentPending && a.CreatedAt.Before(cutoff) {
			cp := *a
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockAppointmentRepo) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &Stats{}
	for _, a := range m.appts {
		if a.DeletedAt != nil {
			continue
		}
		st.Total++
		switch a.Status {
		case StatusPending:
			st.Pending++
		case StatusConfirmed:
			st.Confirmed++
		case StatusScheduled:
			st.Scheduled++
		case StatusCompleted:
			st.Completed++
		case StatusCancelled:
			st.Cancelled++
		case StatusNoShow:
			st.NoShow++
		}
	}
	return st, nil
}

func (m *mockAppointmentRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.DeletedAt != nil {
		return ErrAppointmentNotFound
	}
	now := m.clk.Now()
	a.DeletedAt = &now
	return nil
}

// backdate shifts an appointment's creation time for expiry tests.
func (m *mockAppointmentRepo) backdate(id uuid.UUID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.appts[id]; ok {
		a.CreatedAt = a.CreatedAt.Add(-d)
	}
}

type mockPaymentRepo struct {
	mu       sync.Mutex
	clk      clock.Clock
	payments map[uuid.UUID]*Payment
}

func newMockPaymentRepo(clk clock.Clock) *mockPaymentRepo {
	return &mockPaymentRepo{clk: clk, payments: make(map[uuid.UUID]*Payment)}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = m.clk.Now()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockPaymentRepo) GetByOrderID(_ context.Context, orderID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *mockPaymentRepo) GetByAppointmentID(_ context.Context, appointmentID uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.AppointmentID == appointmentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *mockPaymentRepo) Update(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

// -- Mock Gateway --

type mockGateway struct {
	mu            sync.Mutex
	orders        int
	refunds       []string
	failOrder     bool
	failRefund    bool
	validSig      string
	validHookSig  string
	payments      map[string]*gateway.Payment
	alreadyRefund bool
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		validSig:     "valid-signature",
		validHookSig: "valid-webhook-signature",
		payments:     make(map[string]*gateway.Payment),
	}
}

func (g *mockGateway) CreateOrder(_ context.Context, amount int64, currency, receipt string, _ map[string]string) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failOrder {
		return nil, &gateway.Error{StatusCode: 502, Code: "GATEWAY_ERROR", Desc: "order creation failed"}
	}
	g.orders++
	return &gateway.Order{
		ID:       fmt.Sprintf("order_%d", g.orders),
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

func (g *mockGateway) FetchPayment(_ context.Context, paymentID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[paymentID]; ok {
		return p, nil
	}
	return nil, &gateway.Error{StatusCode: 404, Code: "NOT_FOUND", Desc: "payment not found"}
}

func (g *mockGateway) InitiateRefund(_ context.Context, paymentID string, amount int64) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failRefund {
		return nil, errors.New("refund failed")
	}
	g.refunds = append(g.refunds, paymentID)
	return &gateway.Refund{
		ID:              "rfnd_" + paymentID,
		PaymentID:       paymentID,
		Amount:          amount,
		Status:          "processed",
		AlreadyRefunded: g.alreadyRefund,
	}, nil
}

func (g *mockGateway) VerifyPaymentSignature(_, _, signature string) error {
	if signature != g.validSig {
		return gateway.ErrSignatureMismatch
	}
	return nil
}

func (g *mockGateway) VerifyWebhookSignature(_ []byte, signature string) error {
	if signature != g.validHookSig {
		return gateway.ErrSignatureMismatch
	}
	return nil
}

// -- Fixtures --

type fixture struct {
	svc      *Service
	slots    *mockSlotRepo
	appts    *mockAppointmentRepo
	payments *mockPaymentRepo
	gw       *mockGateway
	clk      *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC))
	f := &fixture{
		slots:    newMockSlotRepo(clk),
		appts:    newMockAppointmentRepo(clk),
		payments: newMockPaymentRepo(clk),
		gw:       newMockGateway(),
		clk:      clk,
	}
	f.svc = &Service{
		slots:    f.slots,
		appts:    f.appts,
		payments: f.payments,
		gw:       f.gw,
		clk:      f.clk,
		log:      zerolog.Nop(),
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
	}
	return f
}

// seedSlot creates a slot with the given capacity.
func (f *fixture) seedSlot(maxUnits int) *Slot {
	s := &Slot{
		DoctorID:  uuid.New(),
		Date:      time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
		StartTime: "10:00",
		EndTime:   "10:30",
		MaxUnits:  maxUnits,
	}
	_ = f.slots.Create(context.Background(), s)
	return s
}

func (f *fixture) bookingInput(slotID uuid.UUID) CreateAppointmentInput {
	return CreateAppointmentInput{
		PatientID:    uuid.New(),
		PatientName:  "Asha Verma",
		PatientEmail: "asha@example.com",
		SlotID:       slotID,
		Reason:       "consultation",
		Amount:       50000,
	}
}
