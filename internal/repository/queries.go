package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries runs the ledger SQL against a pool or a transaction.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const userColumns = `id, username, email, role`

const voucherColumns = `id, code, amount::text, initial_amount::text, currency_code, status,
	created_at, expires_at, owner_id, sent_to, sent_at`

const loyaltyColumns = `id, user_id, join_date, points, tier, is_active, preferences`

type rowScanner interface {
	Scan(dest ...any) error
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNoRows, pgErr.ConstraintName)
		}
	}
	return err
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u    domain.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &role); err != nil {
		return domain.User{}, mapErr(err)
	}
	u.Role = domain.Role(role)
	return u, nil
}

func scanVoucher(row rowScanner) (domain.Voucher, error) {
	var (
		v               domain.Voucher
		amount, initial string
		status          string
	)
	err := row.Scan(&v.ID, &v.Code, &amount, &initial, &v.CurrencyCode, &status,
		&v.CreatedAt, &v.ExpiresAt, &v.OwnerID, &v.SentTo, &v.SentAt)
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
	return v, nil
}

func scanLoyaltyAccount(row rowScanner) (domain.LoyaltyAccount, error) {
	var (
		a     domain.LoyaltyAccount
		tier  string
		prefs []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.JoinDate, &a.Points, &tier, &a.IsActive, &prefs); err != nil {
		return domain.LoyaltyAccount{}, mapErr(err)
	}
	a.Tier = domain.Tier(tier)
	a.Preferences = map[string]any{}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &a.Preferences); err != nil {
			return domain.LoyaltyAccount{}, fmt.Errorf("decode preferences of account %d: %w", a.ID, err)
		}
	}
	return a, nil
}

func encodePreferences(prefs map[string]any) ([]byte, error) {
	if prefs == nil {
		prefs = map[string]any{}
	}
	return json.Marshal(prefs)
}

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (domain.User, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO users (username, email, role)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		arg.Username, arg.Email, string(arg.Role),
	)
	return scanUser(row)
}

func (q *Queries) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (q *Queries) CreateVoucher(ctx context.Context, arg CreateVoucherParams) (domain.Voucher, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO vouchers (code, amount, initial_amount, currency_code, status, created_at, expires_at, owner_id)
		VALUES ($1, $2::numeric, $2::numeric, $3, 'active', $4, $5, $6)
		RETURNING `+voucherColumns,
		arg.Code, arg.Amount.String(), arg.CurrencyCode, arg.CreatedAt, arg.ExpiresAt, arg.OwnerID,
	)
	return scanVoucher(row)
}

func (q *Queries) GetVoucherForUpdate(ctx context.Context, id int64) (domain.Voucher, error) {
	row := q.db.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1 FOR UPDATE`, id)
	return scanVoucher(row)
}

func (q *Queries) GetVoucherByCodeForUpdate(ctx context.Context, code string) (domain.Voucher, error) {
	row := q.db.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1 FOR UPDATE`, code)
	return scanVoucher(row)
}

func (q *Queries) ListVouchersByOwnerForUpdate(ctx context.Context, ownerID int64) ([]domain.Voucher, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+voucherColumns+` FROM vouchers
		WHERE owner_id = $1
		ORDER BY id
		FOR UPDATE`, ownerID)
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
	return vouchers, mapErr(rows.Err())
}

func (q *Queries) UpdateVoucher(ctx context.Context, v domain.Voucher) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE vouchers
		SET amount = $2::numeric, status = $3, owner_id = $4, sent_to = $5, sent_at = $6
		WHERE id = $1`,
		v.ID, v.Amount.String(), string(v.Status), v.OwnerID, v.SentTo, v.SentAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (q *Queries) GetLoyaltyAccountForUpdate(ctx context.Context, id int64) (domain.LoyaltyAccount, error) {
	row := q.db.QueryRow(ctx, `SELECT `+loyaltyColumns+` FROM loyalty_accounts WHERE id = $1 FOR UPDATE`, id)
	return scanLoyaltyAccount(row)
}

func (q *Queries) GetLoyaltyAccountByUserForUpdate(ctx context.Context, userID int64) (domain.LoyaltyAccount, error) {
	row := q.db.QueryRow(ctx, `SELECT `+loyaltyColumns+` FROM loyalty_accounts WHERE user_id = $1 FOR UPDATE`, userID)
	return scanLoyaltyAccount(row)
}

func (q *Queries) CreateLoyaltyAccount(ctx context.Context, arg CreateLoyaltyAccountParams) (domain.LoyaltyAccount, error) {
	prefs, err := encodePreferences(arg.Preferences)
	if err != nil {
		return domain.LoyaltyAccount{}, fmt.Errorf("encode preferences: %w", err)
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO loyalty_accounts (user_id, join_date, points, tier, is_active, preferences)
		VALUES ($1, $2, 0, $3, TRUE, $4)
		RETURNING `+loyaltyColumns,
		arg.UserID, arg.JoinDate, string(domain.TierBronze), prefs,
	)
	return scanLoyaltyAccount(row)
}

func (q *Queries) UpdateLoyaltyAccount(ctx context.Context, a domain.LoyaltyAccount) error {
	prefs, err := encodePreferences(a.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE loyalty_accounts
		SET points = $2, tier = $3, is_active = $4, preferences = $5
		WHERE id = $1`,
		a.ID, a.Points, string(domain.TierFor(a.Points)), a.IsActive, prefs,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (q *Queries) ListLoyaltyAccounts(ctx context.Context) ([]domain.LoyaltyAccount, error) {
	rows, err := q.db.Query(ctx, `SELECT `+loyaltyColumns+` FROM loyalty_accounts ORDER BY id`)
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
	return accounts, mapErr(rows.Err())
}
