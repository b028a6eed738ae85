package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler(f *fixture) *Handler {
	sw := newTestSweeper(f, 100)
	sc := NewScheduler(sw, time.Minute, zerolog.Nop())
	return NewHandler(f.svc, sw, sc, nil)
}

func doJSON(t *testing.T, h echo.HandlerFunc, method, target, body string, paramNames, paramValues []string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if paramNames != nil {
		c.SetParamNames(paramNames...)
		c.SetParamValues(paramValues...)
	}
	return rec, h(c)
}

func TestHandlerCreateAppointment(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)
	slot := f.seedSlot(1)

	body := fmt.Sprintf(`{"patient_id":%q,"patient_name":"Asha","slot_id":%q,"amount":50000}`,
		uuid.New(), slot.ID)
	rec, err := doJSON(t, h.CreateAppointment, http.MethodPost, "/appointments", body, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}

	var result CreateAppointmentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Order == nil || result.Appointment.Status != StatusPending {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHandlerCreateAppointmentFullSlotConflicts(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)
	slot := f.seedSlot(1)
	if _, err := f.svc.CreateAppointment(context.Background(), f.bookingInput(slot.ID)); err != nil {
		t.Fatal(err)
	}

	body := fmt.Sprintf(`{"patient_id":%q,"patient_name":"Ravi","slot_id":%q,"amount":50000}`,
		uuid.New(), slot.ID)
	_, err := doJSON(t, h.CreateAppointment, http.MethodPost, "/appointments", body, nil, nil)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestHandlerGetAppointmentNotFound(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)

	_, err := doJSON(t, h.GetAppointment, http.MethodGet, "/appointments/x", "",
		[]string{"id"}, []string{uuid.NewString()})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}

	_, err = doJSON(t, h.GetAppointment, http.MethodGet, "/appointments/x", "",
		[]string{"id"}, []string{"not-a-uuid"})
	httpErr, ok = err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %v", err)
	}
}

func TestHandlerCancelTerminalConflicts(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)
	slot := f.seedSlot(1)
	result, err := f.svc.CreateAppointment(context.Background(), f.bookingInput(slot.ID))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CancelAppointment(context.Background(), result.Appointment.ID, "first", "staff-1"); err != nil {
		t.Fatal(err)
	}

	_, err = doJSON(t, h.CancelAppointment, http.MethodPost, "/appointments/x/cancel",
		`{"reason":"again"}`, []string{"id"}, []string{result.Appointment.ID.String()})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double cancel, got %v", err)
	}
}

func TestHandlerWebhook(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)
	appt, orderID := f.seedBooking(t)

	t.Run("missing signature", func(t *testing.T) {
		_, err := doJSON(t, h.PaymentWebhook, http.MethodPost, "/payments/webhook",
			string(capturedEvent(orderID, "pay_1")), nil, nil)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %v", err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook",
			strings.NewReader(string(capturedEvent(orderID, "pay_1"))))
		req.Header.Set(SignatureHeader, "forged")
		rec := httptest.NewRecorder()
		err := h.PaymentWebhook(e.NewContext(req, rec))
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %v", err)
		}
	})

	t.Run("captured", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook",
			strings.NewReader(string(capturedEvent(orderID, "pay_1"))))
		req.Header.Set(SignatureHeader, "valid-webhook-signature")
		rec := httptest.NewRecorder()
		if err := h.PaymentWebhook(e.NewContext(req, rec)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		got, _ := f.svc.GetAppointment(context.Background(), appt.ID)
		if got.Status != StatusConfirmed {
			t.Errorf("appointment status = %s, want confirmed", got.Status)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook",
			strings.NewReader(string(capturedEvent("order_unknown", "pay_9"))))
		req.Header.Set(SignatureHeader, "valid-webhook-signature")
		rec := httptest.NewRecorder()
		err := h.PaymentWebhook(e.NewContext(req, rec))
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for an unknown order, got %v", err)
		}
	})
}

func TestHandlerVerifyPayment(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)
	_, orderID := f.seedBooking(t)

	body := fmt.Sprintf(`{"razorpay_order_id":%q,"razorpay_payment_id":"pay_1","razorpay_signature":"valid-signature"}`, orderID)
	rec, err := doJSON(t, h.VerifyPayment, http.MethodPost, "/payments/verify", body, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	_, err = doJSON(t, h.VerifyPayment, http.MethodPost, "/payments/verify",
		`{"razorpay_order_id":"o","razorpay_payment_id":"p"}`, nil, nil)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %v", err)
	}
}

func TestHandlerCreateSlots(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)

	body := fmt.Sprintf(`{"doctor_id":%q,"date":"2025-06-20","windows":[{"start_time":"09:00","end_time":"09:30"}],"max_units":2}`, uuid.New())
	rec, err := doJSON(t, h.CreateSlots, http.MethodPost, "/slots", body, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}

	_, err = doJSON(t, h.CreateSlots, http.MethodPost, "/slots",
		fmt.Sprintf(`{"doctor_id":%q,"date":"20-06-2025","windows":[]}`, uuid.New()), nil, nil)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %v", err)
	}
}

func TestHandlerCleanup(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)

	rec, err := doJSON(t, h.RunCleanup, http.MethodPost, "/appointments/cleanup", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	rec, err = doJSON(t, h.CleanupHealth, http.MethodGet, "/appointments/cleanup/health", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := resp["scheduler"]; !ok {
		t.Error("expected scheduler status in health response")
	}
}

func TestHandlerCleanupWhileSweepRunning(t *testing.T) {
	f := newFixture(t)
	sw := newTestSweeper(f, 100)
	sc := NewScheduler(sw, time.Minute, zerolog.Nop())
	h := NewHandler(f.svc, sw, sc, nil)

	sw.running.Store(true)
	defer sw.running.Store(false)

	rec, err := doJSON(t, h.RunCleanup, http.MethodPost, "/appointments/cleanup", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, overlapping cleanup should be a 200 no-op", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if skipped, _ := resp["skipped"].(bool); !skipped {
		t.Errorf("response = %v, want skipped=true", resp)
	}
}
