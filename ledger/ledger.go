// Package ledger implements the usage ledger: per-identity balances with
// atomic arithmetic updates, a gate check before work is admitted, and
// settlement after a run completes.
//
// The executor charges pessimistically: the estimated cost is debited
// before work is dispatched, then compensated afterwards (delta credited on
// success, full estimate refunded on failure). Checking the balance first
// and charging later would let two concurrent requests from one identity
// both pass against the same stale snapshot.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/errors"
)

// Account is one identity's balance row.
type Account struct {
	Identity  string    `json:"identity"`
	Balance   float64   `json:"balance"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides persistence for ledger accounts.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a ledger store.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// EnsureAccount creates a zero-balance account for the identity if none
// exists. Existing accounts are left untouched.
func (s *Store) EnsureAccount(ctx context.Context, identity, currency string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (identity, balance, currency, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(identity) DO NOTHING`,
		identity, currency, now,
	)
	if err != nil {
		return errors.Wrapf(err, "ensure account %s", identity)
	}
	return nil
}

// Account retrieves one account. Returns errors.ErrNotFound when absent.
func (s *Store) Account(ctx context.Context, identity string) (*Account, error) {
	account := &Account{}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, balance, currency, updated_at
		FROM ledger_accounts WHERE identity = ?`,
		identity,
	).Scan(&account.Identity, &account.Balance, &account.Currency, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "ledger account %s", identity)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get ledger account %s", identity)
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "parse updated_at for account %s", identity)
	}
	account.UpdatedAt = t
	return account, nil
}

// Accounts lists all accounts, highest balance first.
func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, balance, currency, updated_at
		FROM ledger_accounts ORDER BY balance DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list ledger accounts")
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var account Account
		var updatedAt string
		if err := rows.Scan(&account.Identity, &account.Balance, &account.Currency, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger account")
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			account.UpdatedAt = t
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Balance returns the identity's current balance.
func (s *Store) Balance(ctx context.Context, identity string) (float64, error) {
	account, err := s.Account(ctx, identity)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Debit subtracts amount from the identity's balance. Unconditional: no
// floor-at-zero clamp, callers apply policy via Gate.
func (s *Store) Debit(ctx context.Context, identity string, amount float64) error {
	return s.apply(ctx, identity, -amount)
}

// Credit adds amount to the identity's balance.
func (s *Store) Credit(ctx context.Context, identity string, amount float64) error {
	return s.apply(ctx, identity, amount)
}

// apply performs the balance arithmetic as a single statement so concurrent
// workers never lose updates to read-modify-write races.
func (s *Store) apply(ctx context.Context, identity string, delta float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance = balance + ?, updated_at = ? WHERE identity = ?`,
		delta, now, identity,
	)
	if err != nil {
		return errors.Wrapf(err, "adjust balance for %s", identity)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "adjust balance rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "ledger account %s", identity)
	}

	s.log.Debugw("Ledger balance adjusted",
		"identity", identity,
		"delta", delta,
	)
	return nil
}

// Gate checks whether the identity can afford work at the estimated cost.
// Returns errors.ErrInsufficientBalance when the balance is non-positive or
// below the estimate, errors.ErrNotFound for unknown identities.
func (s *Store) Gate(ctx context.Context, identity string, estimated float64) error {
	balance, err := s.Balance(ctx, identity)
	if err != nil {
		return err
	}
	if balance <= 0 || balance < estimated {
		return errors.Wrapf(errors.ErrInsufficientBalance,
			"identity %s has %.4f, needs %.4f", identity, balance, estimated)
	}
	return nil
}

// Settle reconciles a successful run: the positive delta between the
// pre-debited estimate and the actual cost is credited back; if the run
// overran the estimate the shortfall is debited.
func (s *Store) Settle(ctx context.Context, identity string, estimated, actual float64) error {
	delta := estimated - actual
	if delta == 0 {
		return nil
	}
	if err := s.apply(ctx, identity, delta); err != nil {
		return errors.Wrap(err, "settle run")
	}
	s.log.Infow("Ledger settled",
		"identity", identity,
		"estimated", estimated,
		"actual", actual,
	)
	return nil
}

// Refund compensates a failed run by crediting back the full pre-debited
// estimate.
func (s *Store) Refund(ctx context.Context, identity string, estimated float64) error {
	if estimated == 0 {
		return nil
	}
	if err := s.Credit(ctx, identity, estimated); err != nil {
		return errors.Wrap(err, "refund failed run")
	}
	s.log.Infow("Ledger refunded",
		"identity", identity,
		"estimated", estimated,
	)
	return nil
}
