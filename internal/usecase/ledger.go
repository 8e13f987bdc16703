package usecase

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
)

// Ledger serves LedgerGateway in-process. The Kafka consumer dispatches to it
// as well, so both transports share one code path.
type Ledger struct {
	vouchers *VoucherService
	loyalty  *LoyaltyService
}

func NewLedger(vouchers *VoucherService, loyalty *LoyaltyService) *Ledger {
	return &Ledger{vouchers: vouchers, loyalty: loyalty}
}

func (l *Ledger) IssueVoucher(ctx context.Context, in IssueVoucherInput) (*domain.Voucher, error) {
	return l.vouchers.Issue(ctx, in.OwnerID, in.Amount, in.CurrencyCode)
}

func (l *Ledger) ValidateVoucher(ctx context.Context, code string) (*domain.Voucher, error) {
	return l.vouchers.Validate(ctx, code)
}

func (l *Ledger) GetVoucher(ctx context.Context, actorID, voucherID int64) (*domain.Voucher, error) {
	return l.vouchers.Get(ctx, actorID, voucherID)
}

func (l *Ledger) GiftVoucher(ctx context.Context, in GiftVoucherInput) (*domain.Voucher, error) {
	return l.vouchers.Gift(ctx, in)
}

func (l *Ledger) RedeemVoucher(ctx context.Context, code string, redeemerID int64) (*domain.Voucher, error) {
	return l.vouchers.Redeem(ctx, code, redeemerID)
}

func (l *Ledger) ApplyVoucher(ctx context.Context, in ApplyVoucherInput) (*domain.ApplyResult, error) {
	return l.vouchers.Apply(ctx, in)
}

func (l *Ledger) ListVouchers(ctx context.Context, ownerID int64) ([]domain.Voucher, error) {
	return l.vouchers.ListForOwner(ctx, ownerID)
}

func (l *Ledger) JoinLoyalty(ctx context.Context, userID int64, prefs map[string]any) (*domain.LoyaltyAccount, error) {
	return l.loyalty.Join(ctx, userID, prefs)
}

func (l *Ledger) AwardPoints(ctx context.Context, userID int64, purchaseAmount decimal.Decimal) (*domain.AwardResult, error) {
	return l.loyalty.AwardPoints(ctx, userID, purchaseAmount)
}

func (l *Ledger) GetLoyalty(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error) {
	return l.loyalty.Get(ctx, actorID, target)
}

func (l *Ledger) UpdateLoyaltyPreferences(ctx context.Context, actorID int64, target string, prefs map[string]any) (*domain.LoyaltyAccount, error) {
	return l.loyalty.UpdatePreferences(ctx, actorID, target, prefs)
}

func (l *Ledger) DeactivateLoyalty(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error) {
	return l.loyalty.Deactivate(ctx, actorID, target)
}

func (l *Ledger) CheckMembership(ctx context.Context, userID int64) (bool, error) {
	return l.loyalty.CheckMembership(ctx, userID)
}

func (l *Ledger) ListLoyaltyMembers(ctx context.Context, actorID int64) ([]domain.LoyaltyAccount, error) {
	return l.loyalty.List(ctx, actorID)
}

var _ LedgerGateway = (*Ledger)(nil)
