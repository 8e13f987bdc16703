package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/config"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
)

var ErrTimeout = errors.New("timeout waiting for ledger response")

// Gateway serves LedgerGateway over Kafka request/reply. Replies arrive on
// the instance's reply topic and are handed to HandleResponse.
type Gateway struct {
	client      *kgo.Client
	cfg         *config.Config
	pendingResp sync.Map
}

func NewGateway(cfg *config.Config, client *kgo.Client) *Gateway {
	return &Gateway{
		client: client,
		cfg:    cfg,
	}
}

func (g *Gateway) IssueVoucher(ctx context.Context, in usecase.IssueVoucherInput) (*domain.Voucher, error) {
	resp, err := g.call(ctx, idKey(in.OwnerID), RequestPayload{
		Op:           OpIssueVoucher,
		ActorID:      in.OwnerID,
		Amount:       in.Amount,
		CurrencyCode: in.CurrencyCode,
	})
	if err != nil {
		return nil, err
	}
	return resp.Voucher, nil
}

func (g *Gateway) ValidateVoucher(ctx context.Context, code string) (*domain.Voucher, error) {
	resp, err := g.call(ctx, code, RequestPayload{Op: OpValidateVoucher, Code: code})
	if err != nil {
		return nil, err
	}
	return resp.Voucher, nil
}

func (g *Gateway) GetVoucher(ctx context.Context, actorID, voucherID int64) (*domain.Voucher, error) {
	resp, err := g.call(ctx, idKey(voucherID), RequestPayload{Op: OpGetVoucher, ActorID: actorID, VoucherID: voucherID})
	if err != nil {
		return nil, err
	}
	return resp.Voucher, nil
}

func (g *Gateway) GiftVoucher(ctx context.Context, in usecase.GiftVoucherInput) (*domain.Voucher, error) {
	resp, err := g.call(ctx, idKey(in.VoucherID), RequestPayload{
		Op:             OpGiftVoucher,
		ActorID:        in.ActorID,
		VoucherID:      in.VoucherID,
		RecipientEmail: in.RecipientEmail,
		RecipientName:  in.RecipientName,
		Message:        in.Message,
	})
	if err != nil {
		return nil, err
	}
	return resp.Voucher, nil
}

func (g *Gateway) RedeemVoucher(ctx context.Context, code string, redeemerID int64) (*domain.Voucher, error) {
	resp, err := g.call(ctx, code, RequestPayload{Op: OpRedeemVoucher, ActorID: redeemerID, Code: code})
	if err != nil {
		return nil, err
	}
	return resp.Voucher, nil
}

func (g *Gateway) ApplyVoucher(ctx context.Context, in usecase.ApplyVoucherInput) (*domain.ApplyResult, error) {
	resp, err := g.call(ctx, idKey(in.VoucherID), RequestPayload{
		Op:        OpApplyVoucher,
		ActorID:   in.ActorID,
		VoucherID: in.VoucherID,
		Amount:    in.PurchaseAmount,
	})
	if err != nil {
		return nil, err
	}
	return resp.Apply, nil
}

func (g *Gateway) ListVouchers(ctx context.Context, ownerID int64) ([]domain.Voucher, error) {
	resp, err := g.call(ctx, idKey(ownerID), RequestPayload{Op: OpListVouchers, ActorID: ownerID})
	if err != nil {
		return nil, err
	}
	return resp.Vouchers, nil
}

func (g *Gateway) JoinLoyalty(ctx context.Context, userID int64, prefs map[string]any) (*domain.LoyaltyAccount, error) {
	resp, err := g.call(ctx, idKey(userID), RequestPayload{Op: OpJoinLoyalty, UserID: userID, Preferences: prefs})
	if err != nil {
		return nil, err
	}
	return resp.Account, nil
}

func (g *Gateway) AwardPoints(ctx context.Context, userID int64, purchaseAmount decimal.Decimal) (*domain.AwardResult, error) {
	resp, err := g.call(ctx, idKey(userID), RequestPayload{Op: OpAwardPoints, UserID: userID, Amount: purchaseAmount})
	if err != nil {
		return nil, err
	}
	return resp.Award, nil
}

func (g *Gateway) GetLoyalty(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error) {
	resp, err := g.call(ctx, idKey(actorID), RequestPayload{Op: OpGetLoyalty, ActorID: actorID, Target: target})
	if err != nil {
		return nil, err
	}
	return resp.Account, nil
}

func (g *Gateway) UpdateLoyaltyPreferences(ctx context.Context, actorID int64, target string, prefs map[string]any) (*domain.LoyaltyAccount, error) {
	resp, err := g.call(ctx, idKey(actorID), RequestPayload{Op: OpUpdateLoyalty, ActorID: actorID, Target: target, Preferences: prefs})
	if err != nil {
		return nil, err
	}
	return resp.Account, nil
}

func (g *Gateway) DeactivateLoyalty(ctx context.Context, actorID int64, target string) (*domain.LoyaltyAccount, error) {
	resp, err := g.call(ctx, idKey(actorID), RequestPayload{Op: OpDeactivateLoyalty, ActorID: actorID, Target: target})
	if err != nil {
		return nil, err
	}
	return resp.Account, nil
}

func (g *Gateway) CheckMembership(ctx context.Context, userID int64) (bool, error) {
	resp, err := g.call(ctx, idKey(userID), RequestPayload{Op: OpCheckMembership, UserID: userID})
	if err != nil {
		return false, err
	}
	return resp.IsMember, nil
}

func (g *Gateway) ListLoyaltyMembers(ctx context.Context, actorID int64) ([]domain.LoyaltyAccount, error) {
	resp, err := g.call(ctx, idKey(actorID), RequestPayload{Op: OpListLoyalty, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// call fills in the envelope, waits for the reply and turns an error reply
// into an error.
func (g *Gateway) call(ctx context.Context, key string, req RequestPayload) (*ResponsePayload, error) {
	req.SchemaVersion = SchemaVersion
	req.CorrelationID = uuid.New().String()
	req.ReplyTo = ReplyTopic(g.cfg.KafkaInstanceID)

	resp, err := g.requestReply(ctx, TopicFor(req.Op), []byte(key), req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	if err := ResponseError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) requestReply(ctx context.Context, topic string, key []byte, req RequestPayload) (*ResponsePayload, error) {
	respChan := make(chan *ResponsePayload, 1)
	g.pendingResp.Store(req.CorrelationID, respChan)
	defer g.pendingResp.Delete(req.CorrelationID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: payload,
	}

	if err := g.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(g.cfg.RequestTimeout())
	defer timer.Stop()
	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// HandleResponse delivers a reply to the request waiting on its correlation
// id. Replies nobody waits for any more are dropped.
func (g *Gateway) HandleResponse(payload []byte) {
	var resp ResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		log.Warn().Err(err).Msg("decode response payload")
		return
	}

	if ch, ok := g.pendingResp.Load(resp.CorrelationID); ok {
		select {
		case ch.(chan *ResponsePayload) <- &resp:
		default:
		}
		return
	}

	log.Debug().Str("correlation_id", resp.CorrelationID).Msg("no pending request for response")
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

var _ usecase.LedgerGateway = (*Gateway)(nil)
