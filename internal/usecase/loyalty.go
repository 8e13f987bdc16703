package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
)

type LoyaltyPolicy struct {
	PointsPerUnit int64
}

func DefaultLoyaltyPolicy() LoyaltyPolicy {
	return LoyaltyPolicy{PointsPerUnit: 10}
}

type LoyaltyService struct {
	store  repository.Store
	policy LoyaltyPolicy
	now    func() time.Time
}

func NewLoyaltyService(store repository.Store, policy LoyaltyPolicy, opts ...Option) *LoyaltyService {
	o := buildOptions(opts)
	if policy.PointsPerUnit <= 0 {
		policy.PointsPerUnit = DefaultLoyaltyPolicy().PointsPerUnit
	}
	return &LoyaltyService{store: store, policy: policy, now: o.now}
}

// Join enrols userID. A dormant account comes back as a fresh bronze
// membership with its preferences replaced.
func (s *LoyaltyService) Join(ctx context.Context, userID int64, prefs map[string]any) (*domain.LoyaltyAccount, error) {
	var out domain.LoyaltyAccount
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		if _, err := q.GetUser(ctx, userID); err != nil {
			return notFound(err, domain.EntityUser, userID)
		}

		acc, err := q.GetLoyaltyAccountByUserForUpdate(ctx, userID)
		switch {
		case errors.Is(err, repository.ErrNoRows):
			acc, err = q.CreateLoyaltyAccount(ctx, repository.CreateLoyaltyAccountParams{
				UserID:      userID,
				JoinDate:    s.now(),
				Preferences: prefs,
			})
			if errors.Is(err, repository.ErrUniqueViolation) {
				return domain.NewError(domain.ErrAlreadyMember, domain.EntityUser, userID)
			}
			if err != nil {
				return fmt.Errorf("create loyalty account: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load loyalty account of user %d: %w", userID, err)
		case acc.IsActive:
			return domain.NewError(domain.ErrAlreadyMember, domain.EntityUser, userID)
		default:
			acc.Reactivate(prefs)
			if err := q.UpdateLoyaltyAccount(ctx, acc); err != nil {
				return fmt.Errorf("reactivate loyalty account %d: %w", acc.ID, err)
			}
			log.Info().Int64("account_id", acc.ID).Int64("user_id", userID).Msg("loyalty account reactivated")
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AwardPoints credits floor(amount * PointsPerUnit) to the user's account,
// opening one when the user has none.
func (s *LoyaltyService) AwardPoints(ctx context.Context, userID int64, purchaseAmount decimal.Decimal) (*domain.AwardResult, error) {
	if purchaseAmount.IsNegative() {
		return nil, domain.NewError(domain.ErrInvalidAmount, domain.EntityLoyalty, purchaseAmount.String())
	}
	points, err := domain.PointsFor(purchaseAmount, s.policy.PointsPerUnit)
	if err != nil {
		return nil, err
	}

	res, err := s.award(ctx, userID, points)
	if errors.Is(err, repository.ErrUniqueViolation) {
		// a concurrent award or join created the account first
		res, err = s.award(ctx, userID, points)
	}
	if err != nil {
		return nil, err
	}
	if res.TierAdvanced {
		log.Info().
			Int64("user_id", userID).
			Str("old_tier", string(res.OldTier)).
			Str("new_tier", string(res.NewTier)).
			Msg("loyalty tier advanced")
	}
	return res, nil
}

func (s *LoyaltyService) award(ctx context.Context, userID int64, points int64) (*domain.AwardResult, error) {
	var res domain.AwardResult
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		acc, err := q.GetLoyaltyAccountByUserForUpdate(ctx, userID)
		if errors.Is(err, repository.ErrNoRows) {
			acc, err = q.CreateLoyaltyAccount(ctx, repository.CreateLoyaltyAccountParams{
				UserID:   userID,
				JoinDate: s.now(),
			})
			if errors.Is(err, repository.ErrNoRows) {
				return domain.NewError(domain.ErrNotFound, domain.EntityUser, userID)
			}
		}
		if err != nil {
			return fmt.Errorf("load loyalty account of user %d: %w", userID, err)
		}
		if !acc.IsActive {
			return domain.NewError(domain.ErrNotActive, domain.EntityLoyalty, acc.ID)
		}
		if res, err = acc.Award(points); err != nil {
			return err
		}
		if err := q.UpdateLoyaltyAccount(ctx, acc); err != nil {
			return fmt.Errorf("update loyalty account %d: %w", acc.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *LoyaltyService) Get(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error) {
	var out domain.LoyaltyAccount
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		acc, err := s.resolve(ctx, q, actorID, target)
		if err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePreferences replaces the preference bag. Points and tier are not
// writable here.
func (s *LoyaltyService) UpdatePreferences(ctx context.Context, actorID int64, target string, prefs map[string]any) (*domain.LoyaltyAccount, error) {
	return s.modify(ctx, actorID, target, func(acc *domain.LoyaltyAccount) {
		if prefs == nil {
			prefs = map[string]any{}
		}
		acc.Preferences = prefs
	})
}

func (s *LoyaltyService) Deactivate(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error) {
	acc, err := s.modify(ctx, actorID, target, (*domain.LoyaltyAccount).Deactivate)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("account_id", acc.ID).Int64("points", acc.Points).Msg("loyalty account deactivated")
	return acc, nil
}

func (s *LoyaltyService) modify(ctx context.Context, actorID int64, target string, fn func(*domain.LoyaltyAccount)) (*domain.LoyaltyAccount, error) {
	var out domain.LoyaltyAccount
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		acc, err := s.resolve(ctx, q, actorID, target)
		if err != nil {
			return err
		}
		fn(&acc)
		if err := q.UpdateLoyaltyAccount(ctx, acc); err != nil {
			return fmt.Errorf("update loyalty account %d: %w", acc.ID, err)
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckMembership reports whether userID holds an active account.
func (s *LoyaltyService) CheckMembership(ctx context.Context, userID int64) (bool, error) {
	var member bool
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		acc, err := q.GetLoyaltyAccountByUserForUpdate(ctx, userID)
		if errors.Is(err, repository.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load loyalty account of user %d: %w", userID, err)
		}
		member = acc.IsActive
		return nil
	})
	return member, err
}

// List returns every account. Admins only.
func (s *LoyaltyService) List(ctx context.Context, actorID int64) ([]domain.LoyaltyAccount, error) {
	actor, err := s.store.GetUser(ctx, actorID)
	if err != nil {
		return nil, notFound(err, domain.EntityUser, actorID)
	}
	if !actor.IsAdmin() {
		return nil, domain.NewError(domain.ErrNotAuthorized, domain.EntityLoyalty, "")
	}
	accounts, err := s.store.ListLoyaltyAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list loyalty accounts: %w", err)
	}
	for i := range accounts {
		accounts[i].Normalize()
	}
	return accounts, nil
}

// resolve maps "me"/"self" to the actor's own account and anything else to an
// account id. Foreign accounts are visible to admins only.
func (s *LoyaltyService) resolve(ctx context.Context, q repository.Querier, actorID int64, target string) (domain.LoyaltyAccount, error) {
	var (
		acc domain.LoyaltyAccount
		err error
	)
	switch target {
	case "me", "self", "":
		acc, err = q.GetLoyaltyAccountByUserForUpdate(ctx, actorID)
		if err != nil {
			return acc, notFound(err, domain.EntityLoyalty, "user "+strconv.FormatInt(actorID, 10))
		}
	default:
		id, perr := strconv.ParseInt(target, 10, 64)
		if perr != nil {
			return acc, domain.NewError(domain.ErrNotFound, domain.EntityLoyalty, target)
		}
		acc, err = q.GetLoyaltyAccountForUpdate(ctx, id)
		if err != nil {
			return acc, notFound(err, domain.EntityLoyalty, id)
		}
		if acc.UserID != actorID {
			actor, err := q.GetUser(ctx, actorID)
			if err != nil {
				return acc, notFound(err, domain.EntityUser, actorID)
			}
			if !actor.IsAdmin() {
				return acc, domain.NewError(domain.ErrNotAuthorized, domain.EntityLoyalty, id)
			}
		}
	}
	acc.Normalize()
	return acc, nil
}
