package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
	"github.com/tsa-backend/ledger/internal/repository/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *memory.Memory
	clock  *testClock
	ledger *Ledger
	alice  domain.User
	bob    domain.User
	carol  domain.User
	admin  domain.User
	policy VoucherPolicy
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		store:  memory.New(),
		clock:  newTestClock(),
		policy: DefaultVoucherPolicy(),
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.ledger = NewLedger(
		NewVoucherService(f.store, f.policy, opts...),
		NewLoyaltyService(f.store, DefaultLoyaltyPolicy(), opts...),
	)

	f.alice = f.user(t, "alice", domain.RoleUser)
	f.bob = f.user(t, "bob", domain.RoleUser)
	f.carol = f.user(t, "carol", domain.RoleUser)
	f.admin = f.user(t, "root", domain.RoleAdmin)
	return f
}

func (f *fixture) user(t *testing.T, name string, role domain.Role) domain.User {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), repository.CreateUserParams{
		Username: name,
		Email:    name + "@example.com",
		Role:     role,
	})
	require.NoError(t, err)
	return u
}

// mockStore fails or fakes individual store calls. Calls without a fake
// report errUnexpected.
type mockStore struct {
	execTxFn              func(ctx context.Context, fn func(repository.Querier) error) error
	createUserFn          func(ctx context.Context, arg repository.CreateUserParams) (domain.User, error)
	getUserFn             func(ctx context.Context, id int64) (domain.User, error)
	createVoucherFn       func(ctx context.Context, arg repository.CreateVoucherParams) (domain.Voucher, error)
	listLoyaltyAccountsFn func(ctx context.Context) ([]domain.LoyaltyAccount, error)
}

var errUnexpected = errors.New("unexpected store call")

func (m *mockStore) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	if m.execTxFn != nil {
		return m.execTxFn(ctx, fn)
	}
	return errUnexpected
}

func (m *mockStore) CreateUser(ctx context.Context, arg repository.CreateUserParams) (domain.User, error) {
	if m.createUserFn != nil {
		return m.createUserFn(ctx, arg)
	}
	return domain.User{}, errUnexpected
}

func (m *mockStore) GetUser(ctx context.Context, id int64) (domain.User, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, id)
	}
	return domain.User{}, errUnexpected
}

func (m *mockStore) CreateVoucher(ctx context.Context, arg repository.CreateVoucherParams) (domain.Voucher, error) {
	if m.createVoucherFn != nil {
		return m.createVoucherFn(ctx, arg)
	}
	return domain.Voucher{}, errUnexpected
}

func (m *mockStore) ListLoyaltyAccounts(ctx context.Context) ([]domain.LoyaltyAccount, error) {
	if m.listLoyaltyAccountsFn != nil {
		return m.listLoyaltyAccountsFn(ctx)
	}
	return nil, errUnexpected
}

func (m *mockStore) Close() {}
