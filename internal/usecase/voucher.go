package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
)

type VoucherPolicy struct {
	TTL             time.Duration
	CodePrefix      string
	DefaultCurrency string
	CodeAttempts    int
}

func DefaultVoucherPolicy() VoucherPolicy {
	return VoucherPolicy{
		TTL:             180 * 24 * time.Hour,
		CodePrefix:      "GIFT-",
		DefaultCurrency: "PLN",
		CodeAttempts:    5,
	}
}

type VoucherService struct {
	store  repository.Store
	policy VoucherPolicy
	now    func() time.Time
	codes  domain.CodeGenerator
}

func NewVoucherService(store repository.Store, policy VoucherPolicy, opts ...Option) *VoucherService {
	o := buildOptions(opts)
	if o.codes == nil {
		o.codes = domain.NewCodeGenerator(policy.CodePrefix)
	}
	if policy.CodeAttempts <= 0 {
		policy.CodeAttempts = 1
	}
	return &VoucherService{
		store:  store,
		policy: policy,
		now:    o.now,
		codes:  o.codes,
	}
}

func (s *VoucherService) Issue(ctx context.Context, ownerID int64, amount decimal.Decimal, currency string) (*domain.Voucher, error) {
	amount, err := domain.NormalizeAmount(amount)
	if err != nil {
		return nil, err
	}
	currency, err = domain.NormalizeCurrency(currency, s.policy.DefaultCurrency)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetUser(ctx, ownerID); err != nil {
		return nil, notFound(err, domain.EntityUser, ownerID)
	}

	now := s.now()
	var code string
	for attempt := 1; attempt <= s.policy.CodeAttempts; attempt++ {
		code = s.codes()
		v, err := s.store.CreateVoucher(ctx, repository.CreateVoucherParams{
			Code:         code,
			Amount:       amount,
			CurrencyCode: currency,
			CreatedAt:    now,
			ExpiresAt:    now.Add(s.policy.TTL),
			OwnerID:      ownerID,
		})
		if err == nil {
			return &v, nil
		}
		if errors.Is(err, repository.ErrUniqueViolation) {
			log.Warn().Str("code", code).Int("attempt", attempt).Msg("voucher code collision")
			continue
		}
		if errors.Is(err, repository.ErrNoRows) {
			return nil, domain.NewError(domain.ErrNotFound, domain.EntityUser, ownerID)
		}
		return nil, fmt.Errorf("create voucher: %w", err)
	}
	return nil, domain.NewError(domain.ErrConflict, domain.EntityVoucher, code)
}

// Validate looks up an active voucher by code. An active voucher found past
// its expiry is stored as expired before ErrExpired is returned.
func (s *VoucherService) Validate(ctx context.Context, code string) (*domain.Voucher, error) {
	return s.spend(ctx, byCode(code), nil)
}

// Get returns a voucher to its owner or an admin, expiring it on the way if
// needed.
func (s *VoucherService) Get(ctx context.Context, actorID, voucherID int64) (*domain.Voucher, error) {
	var out domain.Voucher
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		v, err := byID(voucherID)(ctx, q)
		if err != nil {
			return err
		}
		if err := authorizeOwner(ctx, q, actorID, v); err != nil {
			return err
		}
		v, changed := domain.CheckAndExpire(v, s.now())
		if changed {
			if err := q.UpdateVoucher(ctx, v); err != nil {
				return fmt.Errorf("expire voucher %d: %w", v.ID, err)
			}
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *VoucherService) Gift(ctx context.Context, in GiftVoucherInput) (*domain.Voucher, error) {
	load := func(ctx context.Context, q repository.Querier) (domain.Voucher, error) {
		v, err := byID(in.VoucherID)(ctx, q)
		if err != nil {
			return v, err
		}
		return v, authorizeOwner(ctx, q, in.ActorID, v)
	}
	v, err := s.spend(ctx, load, func(q repository.Querier, v *domain.Voucher) error {
		if err := v.MarkSent(in.RecipientEmail, s.now()); err != nil {
			return err
		}
		return q.UpdateVoucher(ctx, *v)
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Int64("voucher_id", v.ID).
		Str("recipient", in.RecipientEmail).
		Str("recipient_name", in.RecipientName).
		Bool("has_message", in.Message != "").
		Msg("voucher sent")
	return v, nil
}

func (s *VoucherService) Redeem(ctx context.Context, code string, redeemerID int64) (*domain.Voucher, error) {
	return s.spend(ctx, byCode(code), func(q repository.Querier, v *domain.Voucher) error {
		redeemer, err := q.GetUser(ctx, redeemerID)
		if err != nil {
			return notFound(err, domain.EntityUser, redeemerID)
		}
		if err := v.TransferTo(redeemer); err != nil {
			return err
		}
		return q.UpdateVoucher(ctx, *v)
	})
}

func (s *VoucherService) Apply(ctx context.Context, in ApplyVoucherInput) (*domain.ApplyResult, error) {
	purchase, err := domain.NormalizeAmount(in.PurchaseAmount)
	if err != nil {
		return nil, err
	}

	load := func(ctx context.Context, q repository.Querier) (domain.Voucher, error) {
		v, err := byID(in.VoucherID)(ctx, q)
		if err != nil {
			return v, err
		}
		return v, authorizeOwner(ctx, q, in.ActorID, v)
	}
	var used, remaining decimal.Decimal
	v, err := s.spend(ctx, load, func(q repository.Querier, v *domain.Voucher) error {
		used, remaining = v.Apply(purchase)
		return q.UpdateVoucher(ctx, *v)
	})
	if err != nil {
		return nil, err
	}
	return &domain.ApplyResult{AmountUsed: used, Remaining: remaining, Voucher: *v}, nil
}

// ListForOwner returns the owner's vouchers, expiring the ones that ran out
// of time.
func (s *VoucherService) ListForOwner(ctx context.Context, ownerID int64) ([]domain.Voucher, error) {
	var out []domain.Voucher
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		if _, err := q.GetUser(ctx, ownerID); err != nil {
			return notFound(err, domain.EntityUser, ownerID)
		}
		vouchers, err := q.ListVouchersByOwnerForUpdate(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("list vouchers of %d: %w", ownerID, err)
		}
		now := s.now()
		out = make([]domain.Voucher, 0, len(vouchers))
		for _, v := range vouchers {
			v, changed := domain.CheckAndExpire(v, now)
			if changed {
				if err := q.UpdateVoucher(ctx, v); err != nil {
					return fmt.Errorf("expire voucher %d: %w", v.ID, err)
				}
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type voucherLoader func(ctx context.Context, q repository.Querier) (domain.Voucher, error)

func byID(id int64) voucherLoader {
	return func(ctx context.Context, q repository.Querier) (domain.Voucher, error) {
		v, err := q.GetVoucherForUpdate(ctx, id)
		if err != nil {
			return v, notFound(err, domain.EntityVoucher, id)
		}
		return v, nil
	}
}

func byCode(code string) voucherLoader {
	return func(ctx context.Context, q repository.Querier) (domain.Voucher, error) {
		v, err := q.GetVoucherByCodeForUpdate(ctx, code)
		if err != nil {
			return v, notFound(err, domain.EntityVoucher, code)
		}
		return v, nil
	}
}

// spend runs load, lazy expiry and fn in one transaction. fn only sees
// active vouchers. When the voucher turns out to be expired the status change
// is committed and ErrExpired is returned after the commit.
func (s *VoucherService) spend(ctx context.Context, load voucherLoader, fn func(q repository.Querier, v *domain.Voucher) error) (*domain.Voucher, error) {
	var (
		out     domain.Voucher
		expired error
	)
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		v, err := load(ctx, q)
		if err != nil {
			return err
		}
		v, changed, err := domain.Usable(v, s.now())
		if changed {
			if uerr := q.UpdateVoucher(ctx, v); uerr != nil {
				return fmt.Errorf("expire voucher %d: %w", v.ID, uerr)
			}
			expired = err
			return nil
		}
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(q, &v); err != nil {
				return err
			}
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired != nil {
		return nil, expired
	}
	return &out, nil
}

// authorizeOwner lets the voucher owner and admins through.
func authorizeOwner(ctx context.Context, q repository.Querier, actorID int64, v domain.Voucher) error {
	if v.OwnerID == actorID {
		return nil
	}
	actor, err := q.GetUser(ctx, actorID)
	if err != nil {
		return notFound(err, domain.EntityUser, actorID)
	}
	if actor.IsAdmin() {
		return nil
	}
	return domain.NewError(domain.ErrNotAuthorized, domain.EntityVoucher, v.ID)
}
