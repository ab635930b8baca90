package payout

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, po *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payouts (id, owner_id, amount, recipient_id, status, transfer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, po.ID, po.OwnerID, po.Amount, po.RecipientID, string(po.Status), po.TransferID, po.CreatedAt, po.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	po := &Payout{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount, recipient_id, status, transfer_id, created_at, updated_at
		FROM payouts
		WHERE id = $1
	`, id).Scan(&po.ID, &po.OwnerID, &po.Amount, &po.RecipientID, &po.Status, &po.TransferID, &po.CreatedAt, &po.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return po, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, from, to Status, transferID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payouts
		SET status = $2, transfer_id = CASE WHEN $3 <> '' THEN $3 ELSE transfer_id END, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(to), transferID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, amount, recipient_id, status, transfer_id, created_at, updated_at
		FROM payouts
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(StatusReserved), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		po := &Payout{}
		if err := rows.Scan(&po.ID, &po.OwnerID, &po.Amount, &po.RecipientID, &po.Status,
			&po.TransferID, &po.CreatedAt, &po.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}
