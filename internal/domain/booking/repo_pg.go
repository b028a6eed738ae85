package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd/opd/internal/platform/db"
)

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const slotCols = `id, doctor_id, date, start_time, end_time, max_units,
	available_units, status, appointment_id, created_at, updated_at, deleted_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.DoctorID, &s.Date, &s.StartTime, &s.EndTime, &s.MaxUnits,
		&s.AvailableUnits, &s.Status, &s.AppointmentID, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *slotRepoPG) Create(ctx context.Context, s *Slot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.AvailableUnits == 0 {
		s.AvailableUnits = s.MaxUnits
	}
	s.Status = DeriveSlotStatus(s.AvailableUnits, s.MaxUnits)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO slots (id, doctor_id, date, start_time, end_time, max_units, available_units, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.DoctorID, s.Date, s.StartTime, s.EndTime, s.MaxUnits, s.AvailableUnits, s.Status)
	return err
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return scanSlot(r.conn(ctx).QueryRow(ctx,
		`SELECT `+slotCols+` FROM slots WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *slotRepoPG) FindForBooking(ctx context.Context, id uuid.UUID) (*Slot, error) {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return nil, fmt.Errorf("FindForBooking requires a transaction")
	}
	return scanSlot(tx.QueryRow(ctx,
		`SELECT `+slotCols+` FROM slots WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
}

func (r *slotRepoPG) Reserve(ctx context.Context, slotID, appointmentID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE slots SET
			available_units = available_units - 1,
			status = CASE WHEN available_units - 1 <= 0 THEN 'booked' ELSE 'hold' END,
			appointment_id = $2,
			updated_at = NOW()
		WHERE id = $1 AND available_units > 0 AND deleted_at IS NULL`,
		slotID, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotUnavailable
	}
	return nil
}

func (r *slotRepoPG) Release(ctx context.Context, slotID, appointmentID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE slots SET
			available_units = LEAST(available_units + 1, max_units),
			status = CASE
				WHEN LEAST(available_units + 1, max_units) >= max_units THEN 'available'
				ELSE 'hold'
			END,
			appointment_id = CASE WHEN appointment_id = $2 THEN NULL ELSE appointment_id END,
			updated_at = NOW()
		WHERE id = $1`,
		slotID, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *slotRepoPG) Confirm(ctx context.Context, slotID, appointmentID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE slots SET status = 'booked', appointment_id = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		slotID, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *slotRepoPG) List(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	where := []string{"deleted_at IS NULL"}
	args := []any{}
	i := 1
	if f.DoctorID != nil {
		where = append(where, fmt.Sprintf("doctor_id = $%d", i))
		args = append(args, *f.DoctorID)
		i++
	}
	if f.Date != nil {
		where = append(where, fmt.Sprintf("date = $%d", i))
		args = append(args, *f.Date)
		i++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", i))
		args = append(args, f.Status)
		i++
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM slots WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+slotCols+` FROM slots WHERE `+cond+
			fmt.Sprintf(` ORDER BY date, start_time LIMIT $%d OFFSET $%d`, i, i+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *slotRepoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE slots SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, patient_name, patient_email, patient_phone, doctor_id,
	slot_id, date, start_time, reason, status, payment_status, amount, currency, order_id,
	cancel_reason, cancelled_by, cancelled_at, created_at, updated_at, deleted_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.PatientName, &a.PatientEmail, &a.PatientPhone,
		&a.DoctorID, &a.SlotID, &a.Date, &a.StartTime, &a.Reason, &a.Status, &a.PaymentStatus,
		&a.Amount, &a.Currency, &a.OrderID, &a.CancelReason, &a.CancelledBy, &a.CancelledAt,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (id, patient_id, patient_name, patient_email, patient_phone,
			doctor_id, slot_id, date, start_time, reason, status, payment_status, amount,
			currency, order_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.PatientID, a.PatientName, a.PatientEmail, a.PatientPhone,
		a.DoctorID, a.SlotID, a.Date, a.StartTime, a.Reason, a.Status, a.PaymentStatus,
		a.Amount, a.Currency, a.OrderID)
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return nil, fmt.Errorf("GetForUpdate requires a transaction")
	}
	return scanAppointment(tx.QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, id uuid.UUID, u AppointmentUpdate) error {
	set := []string{"updated_at = NOW()"}
	args := []any{id}
	i := 2
	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.PaymentStatus != nil {
		add("payment_status", *u.PaymentStatus)
	}
	if u.OrderID != nil {
		add("order_id", *u.OrderID)
	}
	if u.SlotID != nil {
		add("slot_id", *u.SlotID)
	}
	if u.Date != nil {
		add("date", *u.Date)
	}
	if u.StartTime != nil {
		add("start_time", *u.StartTime)
	}
	if u.CancelReason != nil {
		add("cancel_reason", *u.CancelReason)
	}
	if u.CancelledBy != nil {
		add("cancelled_by", *u.CancelledBy)
	}
	if u.CancelledAt != nil {
		add("cancelled_at", *u.CancelledAt)
	}

	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointments SET `+strings.Join(set, ", ")+` WHERE id = $1 AND deleted_at IS NULL`,
		args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := []string{"deleted_at IS NULL"}
	args := []any{}
	i := 1
	if f.PatientID != nil {
		where = append(where, fmt.Sprintf("patient_id = $%d", i))
		args = append(args, *f.PatientID)
		i++
	}
	if f.DoctorID != nil {
		where = append(where, fmt.Sprintf("doctor_id = $%d", i))
		args = append(args, *f.DoctorID)
		i++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", i))
		args = append(args, f.Status)
		i++
	}
	if f.DateFrom != nil {
		where = append(where, fmt.Sprintf("date >= $%d", i))
		args = append(args, *f.DateFrom)
		i++
	}
	if f.DateTo != nil {
		where = append(where, fmt.Sprintf("date <= $%d", i))
		args = append(args, *f.DateTo)
		i++
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE `+cond+
			fmt.Sprintf(` ORDER BY date DESC, start_time LIMIT $%d OFFSET $%d`, i, i+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *appointmentRepoPG) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+apptCols+` FROM appointments
		WHERE status = 'pending' AND payment_status = 'pending'
			AND created_at < $1 AND deleted_at IS NULL
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'confirmed'),
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'no_show')
		FROM appointments WHERE deleted_at IS NULL`).
		Scan(&st.Total, &st.Pending, &st.Confirmed, &st.Scheduled, &st.Completed, &st.Cancelled, &st.NoShow)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *appointmentRepoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointments SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const paymentCols = `id, appointment_id, order_id, payment_id, amount, currency, status,
	method, refund_id, error_code, error_desc, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.AppointmentID, &p.OrderID, &p.PaymentID, &p.Amount, &p.Currency,
		&p.Status, &p.Method, &p.RefundID, &p.ErrorCode, &p.ErrorDesc, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, appointment_id, order_id, payment_id, amount, currency,
			status, method, refund_id, error_code, error_desc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.AppointmentID, p.OrderID, p.PaymentID, p.Amount, p.Currency,
		p.Status, p.Method, p.RefundID, p.ErrorCode, p.ErrorDesc)
	return err
}

func (r *paymentRepoPG) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE order_id = $1`, orderID))
}

func (r *paymentRepoPG) GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments
		WHERE appointment_id = $1 ORDER BY created_at DESC LIMIT 1`, appointmentID))
}

func (r *paymentRepoPG) Update(ctx context.Context, p *Payment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET payment_id=$2, status=$3, method=$4, refund_id=$5,
			error_code=$6, error_desc=$7, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.PaymentID, p.Status, p.Method, p.RefundID, p.ErrorCode, p.ErrorDesc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
