package kafka

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
)

const SchemaVersion = 1

const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

const ErrCodeInvalidRequest = "INVALID_REQUEST"

type RequestPayload struct {
	SchemaVersion int    `json:"schema_version"`
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to"`
	Op            string `json:"op"`

	ActorID        int64           `json:"actor_id,omitempty"`
	UserID         int64           `json:"user_id,omitempty"`
	VoucherID      int64           `json:"voucher_id,omitempty"`
	Code           string          `json:"code,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	CurrencyCode   string          `json:"currency_code,omitempty"`
	RecipientEmail string          `json:"recipient_email,omitempty"`
	RecipientName  string          `json:"recipient_name,omitempty"`
	Message        string          `json:"message,omitempty"`
	Target         string          `json:"target,omitempty"`
	Preferences    map[string]any  `json:"preferences,omitempty"`
}

type ResponsePayload struct {
	SchemaVersion int    `json:"schema_version"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ErrorEntity   string `json:"error_entity,omitempty"`
	ErrorRef      string `json:"error_ref,omitempty"`

	Voucher  *domain.Voucher         `json:"voucher,omitempty"`
	Vouchers []domain.Voucher        `json:"vouchers,omitempty"`
	Apply    *domain.ApplyResult     `json:"apply,omitempty"`
	Account  *domain.LoyaltyAccount  `json:"account,omitempty"`
	Accounts []domain.LoyaltyAccount `json:"accounts,omitempty"`
	Award    *domain.AwardResult     `json:"award,omitempty"`
	IsMember bool                    `json:"is_member,omitempty"`
}

// TopicFor routes an op to its request topic.
func TopicFor(op string) string {
	if strings.HasPrefix(op, "loyalty.") {
		return TopicLoyaltyRequest
	}
	return TopicVoucherRequest
}

func successResponse(correlationID string) *ResponsePayload {
	return &ResponsePayload{
		SchemaVersion: SchemaVersion,
		CorrelationID: correlationID,
		Status:        StatusSuccess,
	}
}

func errorResponse(correlationID, code, message string) *ResponsePayload {
	return &ResponsePayload{
		SchemaVersion: SchemaVersion,
		CorrelationID: correlationID,
		Status:        StatusError,
		ErrorCode:     code,
		ErrorMessage:  message,
	}
}

// ledgerErrorResponse carries a ledger error's code, entity and ref on the
// wire.
func ledgerErrorResponse(correlationID string, err error) *ResponsePayload {
	resp := errorResponse(correlationID, domain.Code(err), err.Error())
	var lerr *domain.Error
	if errors.As(err, &lerr) {
		resp.ErrorMessage = lerr.Kind.Error()
		resp.ErrorEntity = lerr.Entity
		resp.ErrorRef = lerr.Ref
	}
	return resp
}

// ResponseError rebuilds the error a reply carries. Known codes come back as
// *domain.Error so callers can use errors.Is on the kind.
func ResponseError(resp *ResponsePayload) error {
	if resp.Status != StatusError {
		return nil
	}
	if kind := domain.KindForCode(resp.ErrorCode); kind != nil {
		return &domain.Error{Kind: kind, Entity: resp.ErrorEntity, Ref: resp.ErrorRef}
	}
	if resp.ErrorMessage == "" {
		return errors.New(strings.ToLower(resp.ErrorCode))
	}
	return errors.New(resp.ErrorMessage)
}
