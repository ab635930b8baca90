package payments

import (
	"context"
	"database/sql"
)

// PostgresStore persists top-ups in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Topup) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO topups (id, owner_id, amount, reference, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.OwnerID, t.Amount, t.Reference, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetByReference(ctx context.Context, ref string) (*Topup, error) {
	t := &Topup{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount, reference, status, created_at, updated_at
		FROM topups
		WHERE reference = $1
	`, ref).Scan(&t.ID, &t.OwnerID, &t.Amount, &t.Reference, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTopupNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, ref string, status TopupStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE topups SET status = $2, updated_at = NOW() WHERE reference = $1
	`, ref, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTopupNotFound
	}
	return nil
}
