package booking

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// PostgresStore persists bookings in PostgreSQL. Status moves are
// conditional updates on the current status, which makes racing
// transitions resolve to one winner without row locks held in the
// application.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, client_id, pro_id, amount, status, payment_status, payment_reference, payout_released, pro_notified, completed_at, created_at, updated_at`

func scanBooking(row interface{ Scan(...any) error }) (*Booking, error) {
	b := &Booking{}
	var completedAt sql.NullTime
	err := row.Scan(&b.ID, &b.ClientID, &b.ProID, &b.Amount, &b.Status, &b.PaymentStatus,
		&b.PaymentReference, &b.PayoutReleased, &b.ProNotified, &completedAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (id, client_id, pro_id, amount, status, payment_status, payment_reference, payout_released, pro_notified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, b.ID, b.ClientID, b.ProID, b.Amount, string(b.Status), string(b.PaymentStatus),
		b.PaymentReference, b.PayoutReleased, b.ProNotified, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	return scanBooking(p.db.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id = $1
	`, id))
}

func (p *PostgresStore) FindByPaymentReference(ctx context.Context, ref string) (*Booking, error) {
	return scanBooking(p.db.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE payment_reference = $1
	`, ref))
}

func (p *PostgresStore) SetPaymentReference(ctx context.Context, id, ref string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET payment_reference = $2, updated_at = NOW() WHERE id = $1
	`, id, ref)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id, reference string, to Status) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `
		UPDATE bookings
		SET status = $2, payment_status = $3, payment_reference = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
		RETURNING `+bookingColumns+`
	`, id, string(to), string(PaymentPaid), reference, string(StatusPendingPayment)))
	if err == ErrNotFound {
		return nil, p.notFoundOrConflict(ctx, id)
	}
	return b, err
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, from []Status, to Status, payment PaymentStatus, completedAt *time.Time) (*Booking, error) {
	placeholders := make([]string, len(from))
	args := []any{id, string(to), string(payment), completedAt}
	for i, f := range from {
		placeholders[i] = "$" + strconv.Itoa(len(args)+1)
		args = append(args, string(f))
	}

	b, err := scanBooking(p.db.QueryRowContext(ctx, `
		UPDATE bookings
		SET status = $2, payment_status = $3, completed_at = COALESCE($4, completed_at), updated_at = NOW()
		WHERE id = $1 AND status IN (`+strings.Join(placeholders, ", ")+`)
		RETURNING `+bookingColumns+`
	`, args...))
	if err == ErrNotFound {
		return nil, p.notFoundOrConflict(ctx, id)
	}
	return b, err
}

func (p *PostgresStore) MarkPayoutReleased(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET payout_released = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) MarkProNotified(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET pro_notified = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = $1 AND payment_status = $2 AND payout_released = FALSE AND completed_at <= $3
		ORDER BY completed_at ASC
		LIMIT $4
	`, string(StatusCompleted), string(PaymentPaid), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// notFoundOrConflict disambiguates a zero-row conditional update: the
// booking either does not exist or is not in the expected status.
func (p *PostgresStore) notFoundOrConflict(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidTransition
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
