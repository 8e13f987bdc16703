// Package storetest checks that a repository.Store honours the ledger store
// contract. Each backend's tests call Run with a constructor for a fresh,
// empty store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
)

type OpenFunc func(t *testing.T) repository.Store

func Run(t *testing.T, open OpenFunc) {
	t.Run("Users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("Vouchers", func(t *testing.T) { testVouchers(t, open(t)) })
	t.Run("LoyaltyAccounts", func(t *testing.T) { testLoyaltyAccounts(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("SerializedUpdates", func(t *testing.T) { testSerializedUpdates(t, open(t)) })
}

var base = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func seedUser(t *testing.T, s repository.Store, name string) domain.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), repository.CreateUserParams{
		Username: name,
		Email:    name + "@example.com",
	})
	require.NoError(t, err)
	return u
}

func testUsers(t *testing.T, s repository.Store) {
	ctx := context.Background()

	admin, err := s.CreateUser(ctx, repository.CreateUserParams{Username: "root", Email: "root@example.com", Role: domain.RoleAdmin})
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin())

	u := seedUser(t, s, "alice")
	assert.Equal(t, domain.RoleUser, u.Role)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = s.CreateUser(ctx, repository.CreateUserParams{Username: "alice", Email: "other@example.com"})
	assert.ErrorIs(t, err, repository.ErrUniqueViolation)

	_, err = s.GetUser(ctx, 424242)
	assert.ErrorIs(t, err, repository.ErrNoRows)
}

func testVouchers(t *testing.T, s repository.Store) {
	ctx := context.Background()
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")

	v, err := s.CreateVoucher(ctx, repository.CreateVoucherParams{
		Code:         "GIFT-0000AAAA",
		Amount:       decimal.RequireFromString("12.34"),
		CurrencyCode: "PLN",
		CreatedAt:    base,
		ExpiresAt:    base.Add(180 * 24 * time.Hour),
		OwnerID:      alice.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "GIFT-0000AAAA", v.Code)
	assert.True(t, v.Amount.Equal(decimal.RequireFromString("12.34")), "amount %s", v.Amount)
	assert.True(t, v.InitialAmount.Equal(v.Amount))
	assert.Equal(t, domain.VoucherActive, v.Status)
	assert.True(t, v.CreatedAt.Equal(base))
	assert.Nil(t, v.SentTo)
	assert.Nil(t, v.SentAt)

	_, err = s.CreateVoucher(ctx, repository.CreateVoucherParams{
		Code: "GIFT-0000AAAA", Amount: decimal.NewFromInt(1), CurrencyCode: "PLN",
		CreatedAt: base, ExpiresAt: base, OwnerID: alice.ID,
	})
	assert.ErrorIs(t, err, repository.ErrUniqueViolation)

	_, err = s.CreateVoucher(ctx, repository.CreateVoucherParams{
		Code: "GIFT-0000BBBB", Amount: decimal.NewFromInt(1), CurrencyCode: "PLN",
		CreatedAt: base, ExpiresAt: base, OwnerID: 424242,
	})
	assert.ErrorIs(t, err, repository.ErrNoRows)

	sentAt := base.Add(time.Hour)
	err = s.ExecTx(ctx, func(q repository.Querier) error {
		got, err := q.GetVoucherByCodeForUpdate(ctx, v.Code)
		if err != nil {
			return err
		}
		require.NoError(t, got.MarkSent(bob.Email, sentAt))
		require.NoError(t, got.TransferTo(bob))
		got.Apply(decimal.RequireFromString("2.34"))
		return q.UpdateVoucher(ctx, got)
	})
	require.NoError(t, err)

	err = s.ExecTx(ctx, func(q repository.Querier) error {
		got, err := q.GetVoucherForUpdate(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, bob.ID, got.OwnerID)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(10)), "amount %s", got.Amount)
		assert.True(t, got.InitialAmount.Equal(decimal.RequireFromString("12.34")))
		require.NotNil(t, got.SentTo)
		assert.Equal(t, bob.Email, *got.SentTo)
		require.NotNil(t, got.SentAt)
		assert.True(t, got.SentAt.Equal(sentAt))

		owned, err := q.ListVouchersByOwnerForUpdate(ctx, bob.ID)
		require.NoError(t, err)
		assert.Len(t, owned, 1)
		owned, err = q.ListVouchersByOwnerForUpdate(ctx, alice.ID)
		require.NoError(t, err)
		assert.Empty(t, owned)

		_, err = q.GetVoucherForUpdate(ctx, 424242)
		assert.ErrorIs(t, err, repository.ErrNoRows)
		_, err = q.GetVoucherByCodeForUpdate(ctx, "GIFT-FFFFFFFF")
		assert.ErrorIs(t, err, repository.ErrNoRows)
		assert.ErrorIs(t, q.UpdateVoucher(ctx, domain.Voucher{ID: 424242, Status: domain.VoucherUsed}), repository.ErrNoRows)
		return nil
	})
	require.NoError(t, err)
}

func testLoyaltyAccounts(t *testing.T, s repository.Store) {
	ctx := context.Background()
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")

	var created domain.LoyaltyAccount
	err := s.ExecTx(ctx, func(q repository.Querier) error {
		var err error
		created, err = q.CreateLoyaltyAccount(ctx, repository.CreateLoyaltyAccountParams{
			UserID:      alice.ID,
			JoinDate:    base,
			Preferences: map[string]any{"newsletter": true, "seat": "aisle"},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, created.UserID)
	assert.Equal(t, domain.TierBronze, created.Tier)
	assert.True(t, created.IsActive)
	assert.Equal(t, "aisle", created.Preferences["seat"])

	err = s.ExecTx(ctx, func(q repository.Querier) error {
		_, err := q.CreateLoyaltyAccount(ctx, repository.CreateLoyaltyAccountParams{UserID: alice.ID, JoinDate: base})
		return err
	})
	assert.ErrorIs(t, err, repository.ErrUniqueViolation)

	err = s.ExecTx(ctx, func(q repository.Querier) error {
		a, err := q.GetLoyaltyAccountByUserForUpdate(ctx, alice.ID)
		if err != nil {
			return err
		}
		if _, err := a.Award(640); err != nil {
			return err
		}
		a.Deactivate()
		a.Preferences = map[string]any{"lang": "pl"}
		return q.UpdateLoyaltyAccount(ctx, a)
	})
	require.NoError(t, err)

	err = s.ExecTx(ctx, func(q repository.Querier) error {
		a, err := q.GetLoyaltyAccountForUpdate(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(640), a.Points)
		assert.Equal(t, domain.TierGold, a.Tier)
		assert.False(t, a.IsActive)
		assert.Equal(t, map[string]any{"lang": "pl"}, a.Preferences)
		assert.True(t, a.JoinDate.Equal(base))

		_, err = q.GetLoyaltyAccountByUserForUpdate(ctx, bob.ID)
		assert.ErrorIs(t, err, repository.ErrNoRows)
		return nil
	})
	require.NoError(t, err)

	err = s.ExecTx(ctx, func(q repository.Querier) error {
		_, err := q.CreateLoyaltyAccount(ctx, repository.CreateLoyaltyAccountParams{UserID: bob.ID, JoinDate: base})
		return err
	})
	require.NoError(t, err)

	accounts, err := s.ListLoyaltyAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, alice.ID, accounts[0].UserID)
	assert.Equal(t, bob.ID, accounts[1].UserID)
	assert.NotNil(t, accounts[1].Preferences)
}

func testRollback(t *testing.T, s repository.Store) {
	ctx := context.Background()
	alice := seedUser(t, s, "alice")
	v, err := s.CreateVoucher(ctx, repository.CreateVoucherParams{
		Code: "GIFT-0000CCCC", Amount: decimal.NewFromInt(50), CurrencyCode: "EUR",
		CreatedAt: base, ExpiresAt: base.Add(time.Hour), OwnerID: alice.ID,
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.ExecTx(ctx, func(q repository.Querier) error {
		got, err := q.GetVoucherForUpdate(ctx, v.ID)
		if err != nil {
			return err
		}
		got.Apply(decimal.NewFromInt(50))
		if err := q.UpdateVoucher(ctx, got); err != nil {
			return err
		}
		if _, err := q.CreateLoyaltyAccount(ctx, repository.CreateLoyaltyAccountParams{UserID: alice.ID, JoinDate: base}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.ExecTx(ctx, func(q repository.Querier) error {
		got, err := q.GetVoucherForUpdate(ctx, v.ID)
		require.NoError(t, err)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(50)))
		assert.Equal(t, domain.VoucherActive, got.Status)

		_, err = q.GetLoyaltyAccountByUserForUpdate(ctx, alice.ID)
		assert.ErrorIs(t, err, repository.ErrNoRows)
		return nil
	})
	require.NoError(t, err)
}

// testSerializedUpdates runs concurrent read-modify-write cycles on one
// account. None of them may be lost.
func testSerializedUpdates(t *testing.T, s repository.Store) {
	ctx := context.Background()
	alice := seedUser(t, s, "alice")
	err := s.ExecTx(ctx, func(q repository.Querier) error {
		_, err := q.CreateLoyaltyAccount(ctx, repository.CreateLoyaltyAccountParams{UserID: alice.ID, JoinDate: base})
		return err
	})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ExecTx(ctx, func(q repository.Querier) error {
				a, err := q.GetLoyaltyAccountByUserForUpdate(ctx, alice.ID)
				if err != nil {
					return err
				}
				if _, err := a.Award(5); err != nil {
					return err
				}
				return q.UpdateLoyaltyAccount(ctx, a)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err = s.ExecTx(ctx, func(q repository.Querier) error {
		a, err := q.GetLoyaltyAccountByUserForUpdate(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(workers*5), a.Points)
		return nil
	})
	require.NoError(t, err)
}
