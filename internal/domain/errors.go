package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidCurrency = errors.New("currency code must be three letters")
	ErrNotFound        = errors.New("not found")
	ErrNotActive       = errors.New("not active")
	ErrExpired         = errors.New("voucher has expired")
	ErrAlreadySent     = errors.New("voucher has already been sent")
	ErrSelfRedeem      = errors.New("voucher is already owned by the redeemer")
	ErrWrongRecipient  = errors.New("voucher was sent to a different email address")
	ErrAlreadyMember   = errors.New("user is already a member of the loyalty program")
	ErrConflict        = errors.New("voucher code conflict")
	ErrNotAuthorized   = errors.New("not authorized")
)

const (
	EntityVoucher = "voucher"
	EntityUser    = "user"
	EntityLoyalty = "loyalty account"
)

// Error ties an error kind to the entity it was raised for, so a caller can
// tell "voucher not found" from "user not found".
type Error struct {
	Kind   error
	Entity string
	Ref    string
}

func NewError(kind error, entity string, ref any) *Error {
	return &Error{Kind: kind, Entity: entity, Ref: fmt.Sprint(ref)}
}

func (e *Error) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("%s: %v", e.Entity, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v", e.Entity, e.Ref, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

const (
	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeInvalidCurrency = "INVALID_CURRENCY"
	CodeNotFound        = "NOT_FOUND"
	CodeNotActive       = "NOT_ACTIVE"
	CodeExpired         = "EXPIRED"
	CodeAlreadySent     = "ALREADY_SENT"
	CodeSelfRedeem      = "SELF_REDEEM"
	CodeWrongRecipient  = "WRONG_RECIPIENT"
	CodeAlreadyMember   = "ALREADY_MEMBER"
	CodeConflict        = "CONFLICT"
	CodeNotAuthorized   = "NOT_AUTHORIZED"
	CodeInternal        = "INTERNAL_ERROR"
)

var kindCodes = []struct {
	kind error
	code string
}{
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrInvalidCurrency, CodeInvalidCurrency},
	{ErrNotFound, CodeNotFound},
	{ErrNotActive, CodeNotActive},
	{ErrExpired, CodeExpired},
	{ErrAlreadySent, CodeAlreadySent},
	{ErrSelfRedeem, CodeSelfRedeem},
	{ErrWrongRecipient, CodeWrongRecipient},
	{ErrAlreadyMember, CodeAlreadyMember},
	{ErrConflict, CodeConflict},
	{ErrNotAuthorized, CodeNotAuthorized},
}

// Code returns the stable wire code for err's kind, or CodeInternal when err
// is not a ledger validation failure.
func Code(err error) string {
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	return CodeInternal
}

// KindForCode is the inverse of Code. It returns nil for unknown codes.
func KindForCode(code string) error {
	for _, kc := range kindCodes {
		if kc.code == code {
			return kc.kind
		}
	}
	return nil
}

// IsValidation reports whether err is a caller-visible ledger failure rather
// than an infrastructure problem.
func IsValidation(err error) bool {
	return Code(err) != CodeInternal
}
