package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// ordered from the highest threshold down
var tierThresholds = []struct {
	min  int64
	tier Tier
}{
	{1000, TierPlatinum},
	{500, TierGold},
	{200, TierSilver},
}

// TierFor is the only place a tier is derived. Stored tiers are recomputed
// from points, never set on their own.
func TierFor(points int64) Tier {
	for _, t := range tierThresholds {
		if points >= t.min {
			return t.tier
		}
	}
	return TierBronze
}

// Rank orders tiers, bronze being 0.
func (t Tier) Rank() int {
	switch t {
	case TierSilver:
		return 1
	case TierGold:
		return 2
	case TierPlatinum:
		return 3
	default:
		return 0
	}
}

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// PointsFor converts a purchase amount into whole points. Amounts whose
// points do not fit in an int64 are invalid.
func PointsFor(amount decimal.Decimal, perUnit int64) (int64, error) {
	points := amount.Mul(decimal.NewFromInt(perUnit)).Floor()
	if points.IsNegative() || points.GreaterThan(maxPoints) {
		return 0, NewError(ErrInvalidAmount, EntityLoyalty, amount.String())
	}
	return points.IntPart(), nil
}

func NewLoyaltyAccount(userID int64, prefs map[string]any, now time.Time) LoyaltyAccount {
	if prefs == nil {
		prefs = map[string]any{}
	}
	return LoyaltyAccount{
		UserID:      userID,
		JoinDate:    now,
		Points:      0,
		Tier:        TierBronze,
		IsActive:    true,
		Preferences: prefs,
	}
}

// Normalize re-derives the tier from points.
func (a *LoyaltyAccount) Normalize() {
	a.Tier = TierFor(a.Points)
}

// Reactivate brings a dormant account back as a fresh bronze membership.
// Points are not carried over.
func (a *LoyaltyAccount) Reactivate(prefs map[string]any) {
	if prefs == nil {
		prefs = map[string]any{}
	}
	a.IsActive = true
	a.Points = 0
	a.Tier = TierBronze
	a.Preferences = prefs
}

func (a *LoyaltyAccount) Deactivate() {
	a.IsActive = false
}

// Award credits points. The balance only grows; a credit that would overflow
// it is rejected and leaves the account untouched.
func (a *LoyaltyAccount) Award(points int64) (AwardResult, error) {
	if points < 0 || a.Points > math.MaxInt64-points {
		return AwardResult{}, NewError(ErrInvalidAmount, EntityLoyalty, a.ID)
	}
	old := TierFor(a.Points)
	a.Points += points
	a.Normalize()
	return AwardResult{
		PointsAwarded: points,
		TotalPoints:   a.Points,
		OldTier:       old,
		NewTier:       a.Tier,
		TierAdvanced:  a.Tier.Rank() > old.Rank(),
	}, nil
}
