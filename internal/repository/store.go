package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
)

var (
	ErrNoRows          = errors.New("no rows in result set")
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// Store is the ledger persistence contract. Every read-modify-write goes
// through ExecTx; the Querier handed to fn holds the rows it loads until the
// transaction ends.
type Store interface {
	ExecTx(ctx context.Context, fn func(Querier) error) error
	CreateUser(ctx context.Context, arg CreateUserParams) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	CreateVoucher(ctx context.Context, arg CreateVoucherParams) (domain.Voucher, error)
	ListLoyaltyAccounts(ctx context.Context) ([]domain.LoyaltyAccount, error)
	Close()
}

type Querier interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetVoucherForUpdate(ctx context.Context, id int64) (domain.Voucher, error)
	GetVoucherByCodeForUpdate(ctx context.Context, code string) (domain.Voucher, error)
	ListVouchersByOwnerForUpdate(ctx context.Context, ownerID int64) ([]domain.Voucher, error)
	UpdateVoucher(ctx context.Context, v domain.Voucher) error
	GetLoyaltyAccountForUpdate(ctx context.Context, id int64) (domain.LoyaltyAccount, error)
	GetLoyaltyAccountByUserForUpdate(ctx context.Context, userID int64) (domain.LoyaltyAccount, error)
	CreateLoyaltyAccount(ctx context.Context, arg CreateLoyaltyAccountParams) (domain.LoyaltyAccount, error)
	UpdateLoyaltyAccount(ctx context.Context, a domain.LoyaltyAccount) error
}

type CreateUserParams struct {
	Username string
	Email    string
	Role     domain.Role
}

type CreateVoucherParams struct {
	Code         string
	Amount       decimal.Decimal
	CurrencyCode string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	OwnerID      int64
}

type CreateLoyaltyAccountParams struct {
	UserID      int64
	JoinDate    time.Time
	Preferences map[string]any
}

type store struct {
	pool    *pgxpool.Pool
	queries *Queries
}

func New(pool *pgxpool.Pool) Store {
	return &store{
		pool:    pool,
		queries: NewQueries(pool),
	}
}

func (s *store) ExecTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	q := s.queries.WithTx(tx)
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx err: %w, rollback err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *store) CreateUser(ctx context.Context, arg CreateUserParams) (domain.User, error) {
	return s.queries.CreateUser(ctx, arg)
}

func (s *store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return s.queries.GetUser(ctx, id)
}

func (s *store) CreateVoucher(ctx context.Context, arg CreateVoucherParams) (domain.Voucher, error) {
	return s.queries.CreateVoucher(ctx, arg)
}

func (s *store) ListLoyaltyAccounts(ctx context.Context) ([]domain.LoyaltyAccount, error) {
	return s.queries.ListLoyaltyAccounts(ctx)
}

func (s *store) Close() {
	s.pool.Close()
}
