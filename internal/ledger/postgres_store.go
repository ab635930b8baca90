package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/serviqo/walletcore/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// The concurrency model follows the entry log design: every balance check
// is part of the UPDATE itself ("WHERE available >= $n"), so two racing
// mutations serialize on the row and the loser of an overdraft race
// simply matches zero rows. CHECK constraints are the backstop. The
// partial unique index on (owner_id, kind, correlation) turns a retried
// idempotent operation into a constraint violation we map to
// ErrDuplicateEntry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. The goose migrations in migrations/
// are the canonical schema; this exists so a fresh deployment without the
// migrate binary still comes up.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			owner_id    VARCHAR(64) PRIMARY KEY,
			pending     BIGINT NOT NULL DEFAULT 0,
			available   BIGINT NOT NULL DEFAULT 0,
			withdrawn   BIGINT NOT NULL DEFAULT 0,
			earned      BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_pending_nonneg   CHECK (pending >= 0),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_withdrawn_nonneg CHECK (withdrawn >= 0),
			CONSTRAINT chk_earned_nonneg    CHECK (earned >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id              VARCHAR(36) PRIMARY KEY,
			owner_id        VARCHAR(64) NOT NULL,
			kind            VARCHAR(24) NOT NULL,
			direction       VARCHAR(8)  NOT NULL,
			amount          BIGINT NOT NULL,
			pending_after   BIGINT NOT NULL,
			available_after BIGINT NOT NULL,
			correlation     VARCHAR(128) NOT NULL DEFAULT '',
			description     TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_entries_owner_created
			ON ledger_entries(owner_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_entries_owner_kind_correlation
			ON ledger_entries(owner_id, kind, correlation)
			WHERE correlation <> '';
	`)
	return err
}

// isUniqueViolation reports whether err is the entry dedupe index firing.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) GetOrCreateAccount(ctx context.Context, ownerID string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (owner_id) VALUES ($1)
		ON CONFLICT (owner_id) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING owner_id, pending, available, withdrawn, earned, updated_at
	`, ownerID).Scan(&acct.OwnerID, &acct.Pending, &acct.Available, &acct.Withdrawn, &acct.Earned, &acct.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, ownerID string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT owner_id, pending, available, withdrawn, earned, updated_at
		FROM accounts WHERE owner_id = $1
	`, ownerID).Scan(&acct.OwnerID, &acct.Pending, &acct.Available, &acct.Withdrawn, &acct.Earned, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// ensureAccount upserts the account row inside a transaction so a
// conditional update always has a row to match.
func ensureAccount(ctx context.Context, tx *sql.Tx, ownerID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (owner_id) VALUES ($1)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID)
	return err
}

// appendEntry inserts the entry row for a mutation that already ran.
func appendEntry(ctx context.Context, tx *sql.Tx, ownerID string, amount int64, pendingAfter, availableAfter int64, e EntryInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, owner_id, kind, direction, amount, pending_after, available_after, correlation, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, idgen.New(), ownerID, string(e.Kind), string(e.Direction), amount, pendingAfter, availableAfter, e.Correlation, e.Description)
	if isUniqueViolation(err) {
		return ErrDuplicateEntry
	}
	return err
}

// mutate runs fn inside a transaction and commits if it succeeds.
func (p *PostgresStore) mutate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// applySingle runs one conditional single-account update plus its entry.
// set is the SET clause; cond is an extra WHERE condition ("" for none).
// insufficientErr is returned when the condition filtered the row out.
func (p *PostgresStore) applySingle(ctx context.Context, ownerID string, amount int64, set, cond string, insufficientErr error, e EntryInput) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acct := &Account{}
	err := p.mutate(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, ownerID); err != nil {
			return err
		}
		query := `UPDATE accounts SET ` + set + `, updated_at = NOW() WHERE owner_id = $1`
		if cond != "" {
			query += ` AND ` + cond
		}
		query += ` RETURNING owner_id, pending, available, withdrawn, earned, updated_at`

		err := tx.QueryRowContext(ctx, query, ownerID, amount).
			Scan(&acct.OwnerID, &acct.Pending, &acct.Available, &acct.Withdrawn, &acct.Earned, &acct.UpdatedAt)
		if err == sql.ErrNoRows {
			return insufficientErr
		}
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		return appendEntry(ctx, tx, ownerID, amount, acct.Pending, acct.Available, e)
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) CreditAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	return p.applySingle(ctx, ownerID, amount,
		`available = available + $2`, "", nil, e)
}

func (p *PostgresStore) CreditPending(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	return p.applySingle(ctx, ownerID, amount,
		`pending = pending + $2, earned = earned + $2`, "", nil, e)
}

func (p *PostgresStore) DebitAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	return p.applySingle(ctx, ownerID, amount,
		`available = available - $2`, `available >= $2`, ErrInsufficientAvailable, e)
}

func (p *PostgresStore) ReleasePending(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	return p.applySingle(ctx, ownerID, amount,
		`pending = pending - $2, available = available + $2`, `pending >= $2`, ErrInsufficientPending, e)
}

func (p *PostgresStore) WithdrawAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	return p.applySingle(ctx, ownerID, amount,
		`available = available - $2, withdrawn = withdrawn + $2`, `available >= $2`, ErrInsufficientAvailable, e)
}

func (p *PostgresStore) CreditWithdrawn(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	return p.applySingle(ctx, ownerID, amount,
		`withdrawn = withdrawn + $2`, "", nil, e)
}

func (p *PostgresStore) WithdrawPendingWithFee(ctx context.Context, ownerID, feeOwnerID string, amount, fee int64, net, feeDebit, feeCredit EntryInput) (*Account, error) {
	if amount <= 0 || fee < 0 || fee >= amount {
		return nil, ErrInvalidAmount
	}
	acct := &Account{}
	err := p.mutate(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, ownerID); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `
			UPDATE accounts SET
				pending    = pending - $2,
				withdrawn  = withdrawn + $2 - $3,
				updated_at = NOW()
			WHERE owner_id = $1 AND pending >= $2
			RETURNING owner_id, pending, available, withdrawn, earned, updated_at
		`, ownerID, amount, fee).
			Scan(&acct.OwnerID, &acct.Pending, &acct.Available, &acct.Withdrawn, &acct.Earned, &acct.UpdatedAt)
		if err == sql.ErrNoRows {
			return ErrInsufficientPending
		}
		if err != nil {
			return fmt.Errorf("cashout update: %w", err)
		}
		if err := appendEntry(ctx, tx, ownerID, amount-fee, acct.Pending, acct.Available, net); err != nil {
			return err
		}
		if fee == 0 {
			return nil
		}
		if err := appendEntry(ctx, tx, ownerID, fee, acct.Pending, acct.Available, feeDebit); err != nil {
			return err
		}
		feePending, feeAvailable, err := creditAvailableInTx(ctx, tx, feeOwnerID, fee)
		if err != nil {
			return err
		}
		return appendEntry(ctx, tx, feeOwnerID, fee, feePending, feeAvailable, feeCredit)
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// creditAvailableInTx upserts and credits an account inside an open
// transaction, returning the post-credit pending/available snapshot.
func creditAvailableInTx(ctx context.Context, tx *sql.Tx, ownerID string, amount int64) (pending, available int64, err error) {
	err = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (owner_id, available, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			available  = accounts.available + $2,
			updated_at = NOW()
		RETURNING pending, available
	`, ownerID, amount).Scan(&pending, &available)
	if err != nil {
		return 0, 0, fmt.Errorf("credit %s: %w", ownerID, err)
	}
	return pending, available, nil
}

// debitAvailableInTx runs the conditional available debit inside an open
// transaction.
func debitAvailableInTx(ctx context.Context, tx *sql.Tx, ownerID string, amount int64) (pending, available int64, err error) {
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts SET
			available  = available - $2,
			updated_at = NOW()
		WHERE owner_id = $1 AND available >= $2
		RETURNING pending, available
	`, ownerID, amount).Scan(&pending, &available)
	if err == sql.ErrNoRows {
		return 0, 0, ErrInsufficientAvailable
	}
	if err != nil {
		return 0, 0, fmt.Errorf("debit %s: %w", ownerID, err)
	}
	return pending, available, nil
}

func (p *PostgresStore) TransferAvailable(ctx context.Context, fromID, toID string, amount int64, eFrom, eTo EntryInput) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return p.mutate(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, fromID); err != nil {
			return err
		}
		fromPending, fromAvailable, err := debitAvailableInTx(ctx, tx, fromID, amount)
		if err != nil {
			return err
		}
		if err := appendEntry(ctx, tx, fromID, amount, fromPending, fromAvailable, eFrom); err != nil {
			return err
		}
		toPending, toAvailable, err := creditAvailableInTx(ctx, tx, toID, amount)
		if err != nil {
			return err
		}
		return appendEntry(ctx, tx, toID, amount, toPending, toAvailable, eTo)
	})
}

func (p *PostgresStore) SettleEscrow(ctx context.Context, escrowID, proID, platformID string, proShare, platformShare int64, eEscrow, ePro, ePlatform EntryInput) error {
	total := proShare + platformShare
	if proShare < 0 || platformShare < 0 || total <= 0 {
		return ErrInvalidAmount
	}
	return p.mutate(ctx, func(tx *sql.Tx) error {
		escrowPending, escrowAvailable, err := debitAvailableInTx(ctx, tx, escrowID, total)
		if err != nil {
			return err
		}
		if err := appendEntry(ctx, tx, escrowID, total, escrowPending, escrowAvailable, eEscrow); err != nil {
			return err
		}
		if proShare > 0 {
			var proPending, proAvailable int64
			err = tx.QueryRowContext(ctx, `
				INSERT INTO accounts (owner_id, pending, earned, updated_at)
				VALUES ($1, $2, $2, NOW())
				ON CONFLICT (owner_id) DO UPDATE SET
					pending    = accounts.pending + $2,
					earned     = accounts.earned + $2,
					updated_at = NOW()
				RETURNING pending, available
			`, proID, proShare).Scan(&proPending, &proAvailable)
			if err != nil {
				return fmt.Errorf("credit pro pending: %w", err)
			}
			if err := appendEntry(ctx, tx, proID, proShare, proPending, proAvailable, ePro); err != nil {
				return err
			}
		}
		if platformShare > 0 {
			platPending, platAvailable, err := creditAvailableInTx(ctx, tx, platformID, platformShare)
			if err != nil {
				return err
			}
			if err := appendEntry(ctx, tx, platformID, platformShare, platPending, platAvailable, ePlatform); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, escrowID, clientID, platformID, proID string, refund, platformFee, proComp int64, entries RefundEntries) error {
	total := refund + platformFee + proComp
	if refund < 0 || platformFee < 0 || proComp < 0 || total <= 0 {
		return ErrInvalidAmount
	}
	return p.mutate(ctx, func(tx *sql.Tx) error {
		escrowPending, escrowAvailable, err := debitAvailableInTx(ctx, tx, escrowID, total)
		if err != nil {
			return err
		}
		if err := appendEntry(ctx, tx, escrowID, total, escrowPending, escrowAvailable, entries.Escrow); err != nil {
			return err
		}
		if refund > 0 {
			clientPending, clientAvailable, err := creditAvailableInTx(ctx, tx, clientID, refund)
			if err != nil {
				return err
			}
			if err := appendEntry(ctx, tx, clientID, refund, clientPending, clientAvailable, entries.Client); err != nil {
				return err
			}
		}
		if platformFee > 0 {
			platPending, platAvailable, err := creditAvailableInTx(ctx, tx, platformID, platformFee)
			if err != nil {
				return err
			}
			if err := appendEntry(ctx, tx, platformID, platformFee, platPending, platAvailable, entries.PlatformFee); err != nil {
				return err
			}
		}
		if proComp > 0 {
			var proPending, proAvailable int64
			err = tx.QueryRowContext(ctx, `
				INSERT INTO accounts (owner_id, pending, earned, updated_at)
				VALUES ($1, $2, $2, NOW())
				ON CONFLICT (owner_id) DO UPDATE SET
					pending    = accounts.pending + $2,
					earned     = accounts.earned + $2,
					updated_at = NOW()
				RETURNING pending, available
			`, proID, proComp).Scan(&proPending, &proAvailable)
			if err != nil {
				return fmt.Errorf("credit pro compensation: %w", err)
			}
			if err := appendEntry(ctx, tx, proID, proComp, proPending, proAvailable, entries.ProComp); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) ListEntries(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, direction, amount, pending_after, available_after, correlation, description, created_at
		FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Kind, &e.Direction, &e.Amount,
			&e.PendingAfter, &e.AvailableAfter, &e.Correlation, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) HasEntry(ctx context.Context, ownerID string, kind Kind, correlation string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE owner_id = $1 AND kind = $2 AND correlation = $3
	`, ownerID, string(kind), correlation).Scan(&count)
	return count > 0, err
}

func (p *PostgresStore) GetEntry(ctx context.Context, ownerID string, kind Kind, correlation string) (*Entry, error) {
	e := &Entry{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, direction, amount, pending_after, available_after, correlation, description, created_at
		FROM ledger_entries
		WHERE owner_id = $1 AND kind = $2 AND correlation = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, ownerID, string(kind), correlation).Scan(&e.ID, &e.OwnerID, &e.Kind, &e.Direction, &e.Amount,
		&e.PendingAfter, &e.AvailableAfter, &e.Correlation, &e.Description, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
