package domain

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	cases := []struct {
		points int64
		want   Tier
	}{
		{0, TierBronze},
		{199, TierBronze},
		{200, TierSilver},
		{499, TierSilver},
		{500, TierGold},
		{999, TierGold},
		{1000, TierPlatinum},
		{250000, TierPlatinum},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierFor(tc.points), "points=%d", tc.points)
	}
}

func TestTierFor_Monotonic(t *testing.T) {
	prev := TierFor(0)
	for p := int64(1); p <= 1500; p++ {
		cur := TierFor(p)
		assert.GreaterOrEqual(t, cur.Rank(), prev.Rank(), "points=%d", p)
		prev = cur
	}
}

func TestPointsFor(t *testing.T) {
	cases := []struct {
		amount string
		want   int64
	}{
		{"25.50", 255},
		{"0.09", 0},
		{"0.99", 9},
		{"0", 0},
		{"922337203685477580.7", math.MaxInt64},
	}
	for _, tc := range cases {
		got, err := PointsFor(decimal.RequireFromString(tc.amount), 10)
		require.NoError(t, err, tc.amount)
		assert.Equal(t, tc.want, got, tc.amount)
	}
}

func TestPointsFor_RejectsOutOfRange(t *testing.T) {
	for _, in := range []string{"1e18", "922337203685477580.8", "-0.1"} {
		_, err := PointsFor(decimal.RequireFromString(in), 10)
		assert.ErrorIs(t, err, ErrInvalidAmount, in)
	}
}

func TestAward_TierCrossing(t *testing.T) {
	acc := NewLoyaltyAccount(1, nil, time.Now())
	points, err := PointsFor(decimal.RequireFromString("25.50"), 10)
	require.NoError(t, err)

	res, err := acc.Award(points)
	require.NoError(t, err)
	assert.Equal(t, int64(255), res.PointsAwarded)
	assert.Equal(t, TierBronze, res.OldTier)
	assert.Equal(t, TierSilver, res.NewTier)
	assert.True(t, res.TierAdvanced)

	res, err = acc.Award(10)
	require.NoError(t, err)
	assert.Equal(t, int64(265), res.TotalPoints)
	assert.False(t, res.TierAdvanced)
	assert.Equal(t, TierSilver, acc.Tier)
}

func TestAward_RejectsOverflow(t *testing.T) {
	acc := NewLoyaltyAccount(1, nil, time.Now())
	_, err := acc.Award(1100)
	require.NoError(t, err)

	_, err = acc.Award(math.MaxInt64 - 1099)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = acc.Award(-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Equal(t, int64(1100), acc.Points)
	assert.Equal(t, TierPlatinum, acc.Tier)

	res, err := acc.Award(math.MaxInt64 - 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), res.TotalPoints)
	assert.Equal(t, TierPlatinum, res.NewTier)
	assert.False(t, res.TierAdvanced)
}

func TestReactivate_ResetsHistory(t *testing.T) {
	acc := NewLoyaltyAccount(1, map[string]any{"newsletter": true}, time.Now())
	_, err := acc.Award(1200)
	require.NoError(t, err)
	acc.Deactivate()

	assert.False(t, acc.IsActive)
	assert.Equal(t, int64(1200), acc.Points, "deactivation keeps points")
	assert.Equal(t, TierPlatinum, acc.Tier)

	acc.Reactivate(map[string]any{"newsletter": false})
	assert.True(t, acc.IsActive)
	assert.Equal(t, int64(0), acc.Points)
	assert.Equal(t, TierBronze, acc.Tier)
	assert.Equal(t, false, acc.Preferences["newsletter"])
}

func TestNormalize_FixesDriftedTier(t *testing.T) {
	acc := LoyaltyAccount{Points: 640, Tier: TierBronze}
	acc.Normalize()
	assert.Equal(t, TierGold, acc.Tier)
}
