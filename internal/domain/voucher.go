package domain

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fraction digits kept for voucher balances.
const MoneyScale = 2

// MaxAmount is the largest voucher or purchase amount, the capacity of a
// NUMERIC(10, 2) column.
var MaxAmount = decimal.RequireFromString("99999999.99")

// CodeGenerator returns a fresh voucher code. Uniqueness is enforced by the
// store, not by the generator.
type CodeGenerator func() string

// NewCodeGenerator builds codes of the form prefix + 8 uppercase hex chars.
func NewCodeGenerator(prefix string) CodeGenerator {
	return func() string {
		id := uuid.New()
		return prefix + strings.ToUpper(hex.EncodeToString(id[:4]))
	}
}

// NormalizeAmount rounds a monetary input to MoneyScale and rejects
// non-positive values and values above MaxAmount.
func NormalizeAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = amount.Round(MoneyScale)
	if !amount.IsPositive() || amount.GreaterThan(MaxAmount) {
		return decimal.Zero, NewError(ErrInvalidAmount, EntityVoucher, amount.String())
	}
	return amount, nil
}

// NormalizeCurrency falls back to def for an empty code and upper-cases the
// result.
func NormalizeCurrency(code, def string) (string, error) {
	if code == "" {
		code = def
	}
	if len(code) != 3 {
		return "", NewError(ErrInvalidCurrency, EntityVoucher, code)
	}
	for _, r := range code {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return "", NewError(ErrInvalidCurrency, EntityVoucher, code)
		}
	}
	return strings.ToUpper(code), nil
}

// CheckAndExpire moves an active voucher past its expiry to expired. changed
// reports whether the caller has to persist the result.
func CheckAndExpire(v Voucher, now time.Time) (Voucher, bool) {
	if v.Status == VoucherActive && now.After(v.ExpiresAt) {
		v.Status = VoucherExpired
		return v, true
	}
	return v, false
}

// Usable runs lazy expiry and reports why v cannot be spent. A voucher that
// just expired comes back with changed set and ErrExpired.
func Usable(v Voucher, now time.Time) (Voucher, bool, error) {
	if v.Status != VoucherActive {
		return v, false, NewError(ErrNotActive, EntityVoucher, v.Code)
	}
	v, changed := CheckAndExpire(v, now)
	if changed {
		return v, true, NewError(ErrExpired, EntityVoucher, v.Code)
	}
	return v, false, nil
}

// MarkSent earmarks the voucher for recipient. A voucher can be sent once.
func (v *Voucher) MarkSent(recipient string, at time.Time) error {
	if v.SentTo != nil {
		return NewError(ErrAlreadySent, EntityVoucher, v.Code)
	}
	v.SentTo = &recipient
	v.SentAt = &at
	return nil
}

// TransferTo hands the voucher to redeemer. SentTo and SentAt stay as
// provenance.
func (v *Voucher) TransferTo(redeemer User) error {
	if v.OwnerID == redeemer.ID {
		return NewError(ErrSelfRedeem, EntityVoucher, v.Code)
	}
	if v.SentTo != nil && *v.SentTo != redeemer.Email {
		return NewError(ErrWrongRecipient, EntityVoucher, v.Code)
	}
	v.OwnerID = redeemer.ID
	return nil
}

// Apply spends up to purchase from the balance. The balance never goes below
// zero; a drained voucher becomes used.
func (v *Voucher) Apply(purchase decimal.Decimal) (used, remaining decimal.Decimal) {
	used = decimal.Min(v.Amount, purchase)
	remaining = v.Amount.Sub(used)
	if !remaining.IsPositive() {
		remaining = decimal.Zero
		v.Status = VoucherUsed
	}
	v.Amount = remaining
	return used, remaining
}
