package usecase

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
)

// LedgerGateway is the operation surface the delivery layer talks to. It is
// served in-process by Ledger or over Kafka by the request/reply gateway.
type LedgerGateway interface {
	IssueVoucher(ctx context.Context, in IssueVoucherInput) (*domain.Voucher, error)
	ValidateVoucher(ctx context.Context, code string) (*domain.Voucher, error)
	GetVoucher(ctx context.Context, actorID, voucherID int64) (*domain.Voucher, error)
	GiftVoucher(ctx context.Context, in GiftVoucherInput) (*domain.Voucher, error)
	RedeemVoucher(ctx context.Context, code string, redeemerID int64) (*domain.Voucher, error)
	ApplyVoucher(ctx context.Context, in ApplyVoucherInput) (*domain.ApplyResult, error)
	ListVouchers(ctx context.Context, ownerID int64) ([]domain.Voucher, error)

	JoinLoyalty(ctx context.Context, userID int64, prefs map[string]any) (*domain.LoyaltyAccount, error)
	AwardPoints(ctx context.Context, userID int64, purchaseAmount decimal.Decimal) (*domain.AwardResult, error)
	GetLoyalty(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error)
	UpdateLoyaltyPreferences(ctx context.Context, actorID int64, target string, prefs map[string]any) (*domain.LoyaltyAccount, error)
	DeactivateLoyalty(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error)
	CheckMembership(ctx context.Context, userID int64) (bool, error)
	ListLoyaltyMembers(ctx context.Context, actorID int64) ([]domain.LoyaltyAccount, error)
}

type IssueVoucherInput struct {
	OwnerID      int64
	Amount       decimal.Decimal
	CurrencyCode string
}

type GiftVoucherInput struct {
	VoucherID      int64
	ActorID        int64
	RecipientEmail string
	RecipientName  string
	Message        string
}

type ApplyVoucherInput struct {
	VoucherID      int64
	ActorID        int64
	PurchaseAmount decimal.Decimal
}
