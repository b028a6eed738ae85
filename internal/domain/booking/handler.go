package booking

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/gateway"
	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/monitor"
	"github.com/opd/opd/pkg/pagination"
)

// SignatureHeader carries the gateway's webhook HMAC.
const SignatureHeader = "X-Razorpay-Signature"

type Handler struct {
	svc       *Service
	sweeper   *Sweeper
	scheduler *Scheduler
	monitor   *monitor.Monitor
}

func NewHandler(svc *Service, sweeper *Sweeper, scheduler *Scheduler, mon *monitor.Monitor) *Handler {
	return &Handler{svc: svc, sweeper: sweeper, scheduler: scheduler, monitor: mon}
}

func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	// The gateway calls the webhook unauthenticated; the HMAC is the auth.
	public.POST("/payments/webhook", h.PaymentWebhook)
	public.POST("/payments/verify", h.VerifyPayment)

	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleConsultant, auth.RoleRegistrar))
	readGroup.GET("/slots", h.ListSlots)
	readGroup.GET("/slots/:id", h.GetSlot)
	readGroup.GET("/appointments", h.SearchAppointments)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/appointments/stats", h.Stats)
	readGroup.GET("/appointments/cleanup/health", h.CleanupHealth)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleRegistrar))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.POST("/appointments/:id/cancel", h.CancelAppointment)
	writeGroup.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	writeGroup.POST("/appointments/:id/complete", h.CompleteAppointment)
	writeGroup.POST("/appointments/:id/no-show", h.MarkNoShow)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/slots", h.CreateSlots)
	adminGroup.DELETE("/slots/:id", h.DeleteSlot)
	adminGroup.POST("/appointments/cleanup", h.RunCleanup)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSlotNotFound), errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrPaymentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotUnavailable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrSignatureMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	case errors.Is(err, monitor.ErrCircuitOpen):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "payment gateway unavailable")
	case db.IsLockTimeout(err):
		return echo.NewHTTPError(http.StatusConflict, "slot is being booked, try again")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Slots --

type createSlotsRequest struct {
	DoctorID uuid.UUID    `json:"doctor_id"`
	Date     string       `json:"date"`
	Windows  []SlotWindow `json:"windows"`
	MaxUnits int          `json:"max_units"`
}

func (h *Handler) CreateSlots(c echo.Context) error {
	var req createSlotsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	slots, err := h.svc.CreateSlots(c.Request().Context(), req.DoctorID, date, req.Windows, req.MaxUnits)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) || errors.Is(err, ErrSlotUnavailable) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, slots)
}

func (h *Handler) GetSlot(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	slot, err := h.svc.GetSlot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, slot)
}

func (h *Handler) ListSlots(c echo.Context) error {
	var f SlotFilter
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		f.DoctorID = &id
	}
	if v := c.QueryParam("date"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		f.Date = &d
	}
	f.Status = c.QueryParam("status")

	p := pagination.FromContext(c)
	slots, total, err := h.svc.ListSlots(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(slots, total, p.Limit, p.Offset))
}

func (h *Handler) DeleteSlot(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSlot(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in CreateAppointmentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.svc.CreateAppointment(c.Request().Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, ErrSlotNotFound), errors.Is(err, ErrSlotUnavailable),
			errors.Is(err, monitor.ErrCircuitOpen), db.IsLockTimeout(err):
			return httpError(err)
		}
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			return echo.NewHTTPError(http.StatusBadGateway, "payment gateway rejected the order")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) SearchAppointments(c echo.Context) error {
	var f AppointmentFilter
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		f.DoctorID = &id
	}
	f.Status = c.QueryParam("status")
	if v := c.QueryParam("date_from"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date_from must be YYYY-MM-DD")
		}
		f.DateFrom = &d
	}
	if v := c.QueryParam("date_to"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date_to must be YYYY-MM-DD")
		}
		f.DateTo = &d
	}

	p := pagination.FromContext(c)
	appts, total, err := h.svc.SearchAppointments(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(appts, total, p.Limit, p.Offset))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	by := auth.UserIDFromContext(c.Request().Context())
	appt, err := h.svc.CancelAppointment(c.Request().Context(), id, req.Reason, by)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			// Refund failed, so the cancellation did not happen.
			return echo.NewHTTPError(http.StatusBadGateway, "refund failed, appointment not cancelled")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

type rescheduleRequest struct {
	SlotID uuid.UUID `json:"slot_id"`
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SlotID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "slot_id is required")
	}

	appt, err := h.svc.RescheduleAppointment(c.Request().Context(), id, req.SlotID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.CompleteAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.MarkNoShow(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// -- Payments --

type verifyPaymentRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

func (h *Handler) VerifyPayment(c echo.Context) error {
	var req verifyPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "order id, payment id and signature are required")
	}

	appt, err := h.svc.VerifyPayment(c.Request().Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

// PaymentWebhook receives gateway webhooks. It always reads the raw body so
// the signature can be verified over the exact bytes sent.
func (h *Handler) PaymentWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	signature := c.Request().Header.Get(SignatureHeader)
	if signature == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing signature header")
	}

	if err := h.svc.HandleWebhook(c.Request().Context(), body, signature); err != nil {
		if errors.Is(err, gateway.ErrSignatureMismatch) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
		// Unknown orders map to 404 through httpError; that is deterministic,
		// so the gateway has no reason to redeliver. Anything else is a 5xx
		// and will be retried.
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// -- Cleanup --

func (h *Handler) RunCleanup(c echo.Context) error {
	result, err := h.sweeper.Run(c.Request().Context())
	if errors.Is(err, ErrSweepInProgress) {
		// Triggering cleanup while a sweep is already running is a no-op,
		// not a failure.
		return c.JSON(http.StatusOK, map[string]any{"skipped": true})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) CleanupHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"scheduler": h.scheduler.Status(),
	}
	if h.monitor != nil {
		resp["services"] = h.monitor.HealthStatus()
		resp["incidents"] = h.monitor.Incidents()
	}
	return c.JSON(http.StatusOK, resp)
}
