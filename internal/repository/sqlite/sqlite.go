/*
Package sqlite provides a SQLite-backed ledger store.

It is meant for single-node deployments and tests (":memory:"). Transactions
are opened with BEGIN IMMEDIATE, so the write lock is taken before the first
read and concurrent read-modify-write cycles on a voucher or loyalty account
run one after the other. The pool is limited to a single connection, which
also keeps an in-memory database shared across calls.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'user'
);

CREATE TABLE IF NOT EXISTS vouchers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL UNIQUE,
	amount TEXT NOT NULL,
	initial_amount TEXT NOT NULL,
	currency_code TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'used', 'expired')),
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	owner_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	sent_to TEXT,
	sent_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_vouchers_owner ON vouchers (owner_id);

CREATE TABLE IF NOT EXISTS loyalty_accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL UNIQUE REFERENCES users (id) ON DELETE CASCADE,
	join_date TIMESTAMP NOT NULL,
	points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
	tier TEXT NOT NULL DEFAULT 'bronze',
	is_active INTEGER NOT NULL DEFAULT 1,
	preferences TEXT NOT NULL DEFAULT '{}'
);
`

// Store implements repository.Store on SQLite.
type Store struct {
	db      *sql.DB
	queries *queries
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db, queries: &queries{db: db}}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_foreign_keys=on&_busy_timeout=5000"
}

func (s *Store) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rollback err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, arg repository.CreateUserParams) (domain.User, error) {
	role := arg.Role
	if role == "" {
		role = domain.RoleUser
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, role) VALUES (?, ?, ?)`,
		arg.Username, arg.Email, string(role))
	if err != nil {
		return domain.User{}, mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, err
	}
	return s.queries.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return s.queries.GetUser(ctx, id)
}

func (s *Store) CreateVoucher(ctx context.Context, arg repository.CreateVoucherParams) (domain.Voucher, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vouchers (code, amount, initial_amount, currency_code, status, created_at, expires_at, owner_id)
		VALUES (?, ?, ?, ?, 'active', ?, ?, ?)`,
		arg.Code, arg.Amount.String(), arg.Amount.String(), arg.CurrencyCode,
		arg.CreatedAt.UTC(), arg.ExpiresAt.UTC(), arg.OwnerID)
	if err != nil {
		return domain.Voucher{}, mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Voucher{}, err
	}
	return s.queries.GetVoucherForUpdate(ctx, id)
}

func (s *Store) ListLoyaltyAccounts(ctx context.Context) ([]domain.LoyaltyAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loyaltyColumns+` FROM loyalty_accounts ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var accounts []domain.LoyaltyAccount
	for rows.Next() {
		a, err := scanLoyaltyAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) Close() {
	s.db.Close()
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

type rowScanner interface {
	Scan(dest ...any) error
}

const voucherColumns = `id, code, amount, initial_amount, currency_code, status,
	created_at, expires_at, owner_id, sent_to, sent_at`

const loyaltyColumns = `id, user_id, join_date, points, tier, is_active, preferences`

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNoRows
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %v", repository.ErrUniqueViolation, sqliteErr)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", repository.ErrNoRows, sqliteErr)
		}
	}
	return err
}

func scanVoucher(row rowScanner) (domain.Voucher, error) {
	var (
		v               domain.Voucher
		amount, initial string
		status          string
		sentTo          sql.NullString
		sentAt          sql.NullTime
	)
	err := row.Scan(&v.ID, &v.Code, &amount, &initial, &v.CurrencyCode, &status,
		&v.CreatedAt, &v.ExpiresAt, &v.OwnerID, &sentTo, &sentAt)
	if err != nil {
		return domain.Voucher{}, mapErr(err)
	}
	if v.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Voucher{}, fmt.Errorf("parse amount of voucher %d: %w", v.ID, err)
	}
	if v.InitialAmount, err = decimal.NewFromString(initial); err != nil {
		return domain.Voucher{}, fmt.Errorf("parse initial amount of voucher %d: %w", v.ID, err)
	}
	v.Status = domain.VoucherStatus(status)
	if sentTo.Valid {
		v.SentTo = &sentTo.String
	}
	if sentAt.Valid {
		v.SentAt = &sentAt.Time
	}
	return v, nil
}

func scanLoyaltyAccount(row rowScanner) (domain.LoyaltyAccount, error) {
	var (
		a     domain.LoyaltyAccount
		tier  string
		prefs string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.JoinDate, &a.Points, &tier, &a.IsActive, &prefs); err != nil {
		return domain.LoyaltyAccount{}, mapErr(err)
	}
	a.Tier = domain.Tier(tier)
	a.Preferences = map[string]any{}
	if prefs != "" {
		if err := json.Unmarshal([]byte(prefs), &a.Preferences); err != nil {
			return domain.LoyaltyAccount{}, fmt.Errorf("decode preferences of account %d: %w", a.ID, err)
		}
	}
	return a, nil
}

func encodePreferences(prefs map[string]any) (string, error) {
	if prefs == nil {
		prefs = map[string]any{}
	}
	b, err := json.Marshal(prefs)
	return string(b), err
}

func (q *queries) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var (
		u    domain.User
		role string
	)
	err := q.db.QueryRowContext(ctx, `SELECT id, username, email, role FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &role)
	if err != nil {
		return domain.User{}, mapErr(err)
	}
	u.Role = domain.Role(role)
	return u, nil
}

func (q *queries) GetVoucherForUpdate(ctx context.Context, id int64) (domain.Voucher, error) {
	return scanVoucher(q.db.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = ?`, id))
}

func (q *queries) GetVoucherByCodeForUpdate(ctx context.Context, code string) (domain.Voucher, error) {
	return scanVoucher(q.db.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = ?`, code))
}

func (q *queries) ListVouchersByOwnerForUpdate(ctx context.Context, ownerID int64) ([]domain.Voucher, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var vouchers []domain.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, rows.Err()
}

func (q *queries) UpdateVoucher(ctx context.Context, v domain.Voucher) error {
	var sentAt any
	if v.SentAt != nil {
		sentAt = v.SentAt.UTC()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE vouchers SET amount = ?, status = ?, owner_id = ?, sent_to = ?, sent_at = ?
		WHERE id = ?`,
		v.Amount.String(), string(v.Status), v.OwnerID, v.SentTo, sentAt, v.ID)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (q *queries) GetLoyaltyAccountForUpdate(ctx context.Context, id int64) (domain.LoyaltyAccount, error) {
	return scanLoyaltyAccount(q.db.QueryRowContext(ctx, `SELECT `+loyaltyColumns+` FROM loyalty_accounts WHERE id = ?`, id))
}

func (q *queries) GetLoyaltyAccountByUserForUpdate(ctx context.Context, userID int64) (domain.LoyaltyAccount, error) {
	return scanLoyaltyAccount(q.db.QueryRowContext(ctx, `SELECT `+loyaltyColumns+` FROM loyalty_accounts WHERE user_id = ?`, userID))
}

func (q *queries) CreateLoyaltyAccount(ctx context.Context, arg repository.CreateLoyaltyAccountParams) (domain.LoyaltyAccount, error) {
	prefs, err := encodePreferences(arg.Preferences)
	if err != nil {
		return domain.LoyaltyAccount{}, fmt.Errorf("encode preferences: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO loyalty_accounts (user_id, join_date, points, tier, is_active, preferences)
		VALUES (?, ?, 0, ?, 1, ?)`,
		arg.UserID, arg.JoinDate.UTC(), string(domain.TierBronze), prefs)
	if err != nil {
		return domain.LoyaltyAccount{}, mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	return q.GetLoyaltyAccountForUpdate(ctx, id)
}

func (q *queries) UpdateLoyaltyAccount(ctx context.Context, a domain.LoyaltyAccount) error {
	prefs, err := encodePreferences(a.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE loyalty_accounts SET points = ?, tier = ?, is_active = ?, preferences = ?
		WHERE id = ?`,
		a.Points, string(domain.TierFor(a.Points)), a.IsActive, prefs, a.ID)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNoRows
	}
	return nil
}

var (
	_ repository.Store   = (*Store)(nil)
	_ repository.Querier = (*queries)(nil)
)
