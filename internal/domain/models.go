package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type VoucherStatus string

const (
	VoucherActive  VoucherStatus = "active"
	VoucherUsed    VoucherStatus = "used"
	VoucherExpired VoucherStatus = "expired"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is the identity record owned by the user subsystem. The ledger only
// reads it.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type Voucher struct {
	ID            int64           `json:"id"`
	Code          string          `json:"code"`
	Amount        decimal.Decimal `json:"amount"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	CurrencyCode  string          `json:"currency_code"`
	Status        VoucherStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	OwnerID       int64           `json:"owner_id"`
	SentTo        *string         `json:"sent_to,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

type ApplyResult struct {
	AmountUsed decimal.Decimal `json:"amount_used"`
	Remaining  decimal.Decimal `json:"remaining"`
	Voucher    Voucher         `json:"voucher"`
}

type LoyaltyAccount struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user"`
	JoinDate    time.Time      `json:"join_date"`
	Points      int64          `json:"points"`
	Tier        Tier           `json:"tier"`
	IsActive    bool           `json:"is_active"`
	Preferences map[string]any `json:"preferences"`
}

type AwardResult struct {
	PointsAwarded int64 `json:"points_awarded"`
	TotalPoints   int64 `json:"total_points"`
	OldTier       Tier  `json:"old_tier"`
	NewTier       Tier  `json:"new_tier"`
	TierAdvanced  bool  `json:"tier_advanced"`
}
