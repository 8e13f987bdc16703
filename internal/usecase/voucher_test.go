package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) issue(t *testing.T, owner domain.User, amount string) *domain.Voucher {
	t.Helper()
	v, err := f.ledger.IssueVoucher(context.Background(), IssueVoucherInput{
		OwnerID: owner.ID,
		Amount:  dec(amount),
	})
	require.NoError(t, err)
	return v
}

func TestIssueVoucher_Defaults(t *testing.T) {
	f := newFixture(t)

	v := f.issue(t, f.alice, "50.005")

	assert.Regexp(t, `^GIFT-[0-9A-F]{8}$`, v.Code)
	assert.Equal(t, "PLN", v.CurrencyCode)
	assert.Equal(t, domain.VoucherActive, v.Status)
	assert.True(t, v.Amount.Equal(dec("50.01")), "amount %s", v.Amount)
	assert.True(t, v.Amount.Equal(v.InitialAmount))
	assert.Equal(t, f.alice.ID, v.OwnerID)
	assert.Equal(t, f.clock.Now().Add(f.policy.TTL), v.ExpiresAt)
	assert.Nil(t, v.SentTo)
}

func TestIssueVoucher_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   IssueVoucherInput
		want error
	}{
		{"zero amount", IssueVoucherInput{OwnerID: f.alice.ID, Amount: decimal.Zero}, domain.ErrInvalidAmount},
		{"negative amount", IssueVoucherInput{OwnerID: f.alice.ID, Amount: dec("-5")}, domain.ErrInvalidAmount},
		{"rounds to zero", IssueVoucherInput{OwnerID: f.alice.ID, Amount: dec("0.004")}, domain.ErrInvalidAmount},
		{"above column capacity", IssueVoucherInput{OwnerID: f.alice.ID, Amount: dec("1000000000000")}, domain.ErrInvalidAmount},
		{"rounds above maximum", IssueVoucherInput{OwnerID: f.alice.ID, Amount: dec("99999999.995")}, domain.ErrInvalidAmount},
		{"bad currency", IssueVoucherInput{OwnerID: f.alice.ID, Amount: dec("10"), CurrencyCode: "EURO"}, domain.ErrInvalidCurrency},
		{"unknown owner", IssueVoucherInput{OwnerID: 999, Amount: dec("10")}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.IssueVoucher(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIssueVoucher_MaxAmount(t *testing.T) {
	f := newFixture(t)

	v := f.issue(t, f.alice, "99999999.99")
	assert.True(t, v.Amount.Equal(domain.MaxAmount))
}

func TestIssueVoucher_RetriesCodeCollision(t *testing.T) {
	codes := []string{"GIFT-AAAA0000", "GIFT-AAAA0000", "GIFT-BBBB1111"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c
	}
	f := newFixture(t, WithCodeGenerator(gen))

	first := f.issue(t, f.alice, "10")
	second := f.issue(t, f.alice, "10")

	assert.Equal(t, "GIFT-AAAA0000", first.Code)
	assert.Equal(t, "GIFT-BBBB1111", second.Code)
}

func TestIssueVoucher_ConflictAfterAttempts(t *testing.T) {
	attempts := 0
	store := &mockStore{
		getUserFn: func(ctx context.Context, id int64) (domain.User, error) {
			return domain.User{ID: id}, nil
		},
		createVoucherFn: func(ctx context.Context, arg repository.CreateVoucherParams) (domain.Voucher, error) {
			attempts++
			return domain.Voucher{}, repository.ErrUniqueViolation
		},
	}
	policy := DefaultVoucherPolicy()
	policy.CodeAttempts = 3
	svc := NewVoucherService(store, policy)

	_, err := svc.Issue(context.Background(), 1, dec("10"), "")

	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 3, attempts)
}

func TestIssueVoucher_StoreFailureIsNotValidation(t *testing.T) {
	boom := errors.New("connection reset")
	store := &mockStore{
		getUserFn: func(ctx context.Context, id int64) (domain.User, error) {
			return domain.User{}, boom
		},
	}
	svc := NewVoucherService(store, DefaultVoucherPolicy())

	_, err := svc.Issue(context.Background(), 1, dec("10"), "")

	require.ErrorIs(t, err, boom)
	assert.False(t, domain.IsValidation(err))
}

func TestValidateVoucher_RoundTrip(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, f.alice, "42.50")

	got, err := f.ledger.ValidateVoucher(context.Background(), issued.Code)

	require.NoError(t, err)
	assert.Equal(t, issued.ID, got.ID)
	assert.True(t, got.Amount.Equal(issued.Amount))
	assert.Equal(t, issued.CurrencyCode, got.CurrencyCode)
	assert.Equal(t, domain.VoucherActive, got.Status)
}

func TestValidateVoucher_UnknownCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.ValidateVoucher(context.Background(), "GIFT-00000000")

	var lerr *domain.Error
	require.ErrorAs(t, err, &lerr)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.EntityVoucher, lerr.Entity)
}

func TestValidateVoucher_ExpiryIsPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "20")

	f.clock.Advance(f.policy.TTL + 1)

	_, err := f.ledger.ValidateVoucher(ctx, v.Code)
	require.ErrorIs(t, err, domain.ErrExpired)

	stored, err := f.ledger.GetVoucher(ctx, f.alice.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherExpired, stored.Status)

	_, err = f.ledger.ValidateVoucher(ctx, v.Code)
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestGetVoucher_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "20")

	_, err := f.ledger.GetVoucher(ctx, f.bob.ID, v.ID)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	got, err := f.ledger.GetVoucher(ctx, f.admin.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Code, got.Code)

	_, err = f.ledger.GetVoucher(ctx, f.alice.ID, 12345)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGiftVoucher_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "20")

	sent, err := f.ledger.GiftVoucher(ctx, GiftVoucherInput{
		VoucherID:      v.ID,
		ActorID:        f.alice.ID,
		RecipientEmail: f.bob.Email,
		RecipientName:  "Bob",
		Message:        "enjoy the show",
	})
	require.NoError(t, err)
	require.NotNil(t, sent.SentTo)
	assert.Equal(t, f.bob.Email, *sent.SentTo)
	require.NotNil(t, sent.SentAt)
	assert.Equal(t, f.clock.Now(), *sent.SentAt)
	assert.Equal(t, f.alice.ID, sent.OwnerID)

	_, err = f.ledger.GiftVoucher(ctx, GiftVoucherInput{
		VoucherID:      v.ID,
		ActorID:        f.alice.ID,
		RecipientEmail: f.carol.Email,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadySent)

	stored, err := f.ledger.GetVoucher(ctx, f.alice.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob.Email, *stored.SentTo)
}

func TestGiftVoucher_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "20")

	_, err := f.ledger.GiftVoucher(ctx, GiftVoucherInput{VoucherID: v.ID, ActorID: f.bob.ID, RecipientEmail: "x@example.com"})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	f.clock.Advance(f.policy.TTL + 1)
	_, err = f.ledger.GiftVoucher(ctx, GiftVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, RecipientEmail: "x@example.com"})
	assert.ErrorIs(t, err, domain.ErrExpired)

	stored, err := f.ledger.GetVoucher(ctx, f.alice.ID, v.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.SentTo)
	assert.Equal(t, domain.VoucherExpired, stored.Status)
}

func TestGiftVoucher_AdminMaySend(t *testing.T) {
	f := newFixture(t)
	v := f.issue(t, f.alice, "20")

	sent, err := f.ledger.GiftVoucher(context.Background(), GiftVoucherInput{
		VoucherID:      v.ID,
		ActorID:        f.admin.ID,
		RecipientEmail: f.bob.Email,
	})

	require.NoError(t, err)
	assert.Equal(t, f.bob.Email, *sent.SentTo)
}

func TestRedeemVoucher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "20")

	_, err := f.ledger.RedeemVoucher(ctx, v.Code, f.alice.ID)
	assert.ErrorIs(t, err, domain.ErrSelfRedeem)

	_, err = f.ledger.GiftVoucher(ctx, GiftVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, RecipientEmail: f.bob.Email})
	require.NoError(t, err)

	_, err = f.ledger.RedeemVoucher(ctx, v.Code, f.carol.ID)
	assert.ErrorIs(t, err, domain.ErrWrongRecipient)

	redeemed, err := f.ledger.RedeemVoucher(ctx, v.Code, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID, redeemed.OwnerID)
	require.NotNil(t, redeemed.SentTo)
	assert.Equal(t, f.bob.Email, *redeemed.SentTo)
	assert.Equal(t, domain.VoucherActive, redeemed.Status)

	_, err = f.ledger.RedeemVoucher(ctx, v.Code, f.bob.ID)
	assert.ErrorIs(t, err, domain.ErrSelfRedeem)

	_, err = f.ledger.RedeemVoucher(ctx, v.Code, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedeemVoucher_UnsentGoesToAnyone(t *testing.T) {
	f := newFixture(t)
	v := f.issue(t, f.alice, "20")

	redeemed, err := f.ledger.RedeemVoucher(context.Background(), v.Code, f.carol.ID)

	require.NoError(t, err)
	assert.Equal(t, f.carol.ID, redeemed.OwnerID)
	assert.Nil(t, redeemed.SentTo)
}

func TestApplyVoucher_PartialThenFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "100.00")

	res, err := f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, PurchaseAmount: dec("30.00")})
	require.NoError(t, err)
	assert.True(t, res.AmountUsed.Equal(dec("30")))
	assert.True(t, res.Remaining.Equal(dec("70")))
	assert.Equal(t, domain.VoucherActive, res.Voucher.Status)

	res, err = f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, PurchaseAmount: dec("100.00")})
	require.NoError(t, err)
	assert.True(t, res.AmountUsed.Equal(dec("70")))
	assert.True(t, res.Remaining.IsZero())
	assert.Equal(t, domain.VoucherUsed, res.Voucher.Status)

	_, err = f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, PurchaseAmount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestApplyVoucher_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "10")

	_, err := f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, PurchaseAmount: dec("-1")})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, PurchaseAmount: dec("1000000000000")})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: v.ID, ActorID: f.bob.ID, PurchaseAmount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: 404, ActorID: f.alice.ID, PurchaseAmount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stored, err := f.ledger.GetVoucher(ctx, f.alice.ID, v.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(dec("10")))
}

func TestApplyVoucher_ConcurrentNeverOverspends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.issue(t, f.alice, "100.00")

	const workers = 25
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		used  = decimal.Zero
		fails int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ledger.ApplyVoucher(ctx, ApplyVoucherInput{VoucherID: v.ID, ActorID: f.alice.ID, PurchaseAmount: dec("10.00")})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrNotActive)
				fails++
				return
			}
			used = used.Add(res.AmountUsed)
		}()
	}
	wg.Wait()

	assert.True(t, used.Equal(dec("100")), "used %s", used)
	assert.Equal(t, workers-10, fails)

	stored, err := f.ledger.GetVoucher(ctx, f.alice.ID, v.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.IsZero())
	assert.Equal(t, domain.VoucherUsed, stored.Status)
}

func TestListVouchers_ExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.issue(t, f.alice, "10")
	f.clock.Advance(f.policy.TTL / 2)
	fresh := f.issue(t, f.alice, "20")
	f.issue(t, f.bob, "30")
	f.clock.Advance(f.policy.TTL/2 + 1)

	list, err := f.ledger.ListVouchers(ctx, f.alice.ID)

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, old.ID, list[0].ID)
	assert.Equal(t, domain.VoucherExpired, list[0].Status)
	assert.Equal(t, fresh.ID, list[1].ID)
	assert.Equal(t, domain.VoucherActive, list[1].Status)

	_, err = f.ledger.ListVouchers(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSpend_RollsBackOnFailure(t *testing.T) {
	boom := errors.New("disk full")
	store := &mockStore{
		execTxFn: func(ctx context.Context, fn func(repository.Querier) error) error {
			return boom
		},
	}
	svc := NewVoucherService(store, DefaultVoucherPolicy())

	_, err := svc.Apply(context.Background(), ApplyVoucherInput{VoucherID: 1, ActorID: 1, PurchaseAmount: dec("5")})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.CodeInternal, domain.Code(err))
}
