// Package memory provides an in-memory ledger store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
)

// Memory serializes every transaction behind one mutex and rolls back to a
// snapshot when fn fails.
type Memory struct {
	mu sync.Mutex
	st *state
}

func New() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, arg repository.CreateUserParams) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.st.users {
		if u.Username == arg.Username {
			return domain.User{}, repository.ErrUniqueViolation
		}
	}
	m.st.userSeq++
	u := domain.User{ID: m.st.userSeq, Username: arg.Username, Email: arg.Email, Role: arg.Role}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	m.st.users[u.ID] = u
	return u, nil
}

func (m *Memory) GetUser(ctx context.Context, id int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetUser(ctx, id)
}

func (m *Memory) CreateVoucher(ctx context.Context, arg repository.CreateVoucherParams) (domain.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.st.codes[arg.Code]; ok {
		return domain.Voucher{}, repository.ErrUniqueViolation
	}
	if _, ok := m.st.users[arg.OwnerID]; !ok {
		return domain.Voucher{}, repository.ErrNoRows
	}
	m.st.voucherSeq++
	v := domain.Voucher{
		ID:            m.st.voucherSeq,
		Code:          arg.Code,
		Amount:        arg.Amount,
		InitialAmount: arg.Amount,
		CurrencyCode:  arg.CurrencyCode,
		Status:        domain.VoucherActive,
		CreatedAt:     arg.CreatedAt,
		ExpiresAt:     arg.ExpiresAt,
		OwnerID:       arg.OwnerID,
	}
	m.st.vouchers[v.ID] = v
	m.st.codes[v.Code] = v.ID
	return v, nil
}

func (m *Memory) ListLoyaltyAccounts(ctx context.Context) ([]domain.LoyaltyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]domain.LoyaltyAccount, 0, len(m.st.accounts))
	for _, a := range m.st.accounts {
		accounts = append(accounts, copyAccount(a))
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (m *Memory) Close() {}

type state struct {
	users          map[int64]domain.User
	vouchers       map[int64]domain.Voucher
	codes          map[string]int64
	accounts       map[int64]domain.LoyaltyAccount
	accountsByUser map[int64]int64

	userSeq, voucherSeq, accountSeq int64
}

func newState() *state {
	return &state{
		users:          make(map[int64]domain.User),
		vouchers:       make(map[int64]domain.Voucher),
		codes:          make(map[string]int64),
		accounts:       make(map[int64]domain.LoyaltyAccount),
		accountsByUser: make(map[int64]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.vouchers {
		c.vouchers[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = copyAccount(v)
	}
	for k, v := range s.accountsByUser {
		c.accountsByUser[k] = v
	}
	c.userSeq, c.voucherSeq, c.accountSeq = s.userSeq, s.voucherSeq, s.accountSeq
	return c
}

func copyAccount(a domain.LoyaltyAccount) domain.LoyaltyAccount {
	prefs := make(map[string]any, len(a.Preferences))
	for k, v := range a.Preferences {
		prefs[k] = v
	}
	a.Preferences = prefs
	return a
}

func (s *state) GetUser(_ context.Context, id int64) (domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, repository.ErrNoRows
	}
	return u, nil
}

func (s *state) GetVoucherForUpdate(_ context.Context, id int64) (domain.Voucher, error) {
	v, ok := s.vouchers[id]
	if !ok {
		return domain.Voucher{}, repository.ErrNoRows
	}
	return v, nil
}

func (s *state) GetVoucherByCodeForUpdate(ctx context.Context, code string) (domain.Voucher, error) {
	id, ok := s.codes[code]
	if !ok {
		return domain.Voucher{}, repository.ErrNoRows
	}
	return s.GetVoucherForUpdate(ctx, id)
}

func (s *state) ListVouchersByOwnerForUpdate(_ context.Context, ownerID int64) ([]domain.Voucher, error) {
	var vouchers []domain.Voucher
	for _, v := range s.vouchers {
		if v.OwnerID == ownerID {
			vouchers = append(vouchers, v)
		}
	}
	sort.Slice(vouchers, func(i, j int) bool { return vouchers[i].ID < vouchers[j].ID })
	return vouchers, nil
}

func (s *state) UpdateVoucher(_ context.Context, v domain.Voucher) error {
	cur, ok := s.vouchers[v.ID]
	if !ok {
		return repository.ErrNoRows
	}
	cur.Amount = v.Amount
	cur.Status = v.Status
	cur.OwnerID = v.OwnerID
	cur.SentTo = v.SentTo
	cur.SentAt = v.SentAt
	s.vouchers[v.ID] = cur
	return nil
}

func (s *state) GetLoyaltyAccountForUpdate(_ context.Context, id int64) (domain.LoyaltyAccount, error) {
	a, ok := s.accounts[id]
	if !ok {
		return domain.LoyaltyAccount{}, repository.ErrNoRows
	}
	return copyAccount(a), nil
}

func (s *state) GetLoyaltyAccountByUserForUpdate(ctx context.Context, userID int64) (domain.LoyaltyAccount, error) {
	id, ok := s.accountsByUser[userID]
	if !ok {
		return domain.LoyaltyAccount{}, repository.ErrNoRows
	}
	return s.GetLoyaltyAccountForUpdate(ctx, id)
}

func (s *state) CreateLoyaltyAccount(_ context.Context, arg repository.CreateLoyaltyAccountParams) (domain.LoyaltyAccount, error) {
	if _, ok := s.accountsByUser[arg.UserID]; ok {
		return domain.LoyaltyAccount{}, repository.ErrUniqueViolation
	}
	if _, ok := s.users[arg.UserID]; !ok {
		return domain.LoyaltyAccount{}, repository.ErrNoRows
	}
	s.accountSeq++
	a := domain.NewLoyaltyAccount(arg.UserID, arg.Preferences, arg.JoinDate)
	a.ID = s.accountSeq
	a = copyAccount(a)
	s.accounts[a.ID] = a
	s.accountsByUser[a.UserID] = a.ID
	return copyAccount(a), nil
}

func (s *state) UpdateLoyaltyAccount(_ context.Context, a domain.LoyaltyAccount) error {
	cur, ok := s.accounts[a.ID]
	if !ok {
		return repository.ErrNoRows
	}
	cur.Points = a.Points
	cur.Tier = domain.TierFor(a.Points)
	cur.IsActive = a.IsActive
	cur.Preferences = a.Preferences
	s.accounts[a.ID] = copyAccount(cur)
	return nil
}

var (
	_ repository.Store   = (*Memory)(nil)
	_ repository.Querier = (*state)(nil)
)
