package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tsa-backend/ledger/internal/config"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/metrics"
	"github.com/tsa-backend/ledger/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
)

type Consumer struct {
	client  *kgo.Client
	cfg     *config.Config
	ledger  usecase.LedgerGateway
	metrics *metrics.Metrics
}

func NewConsumer(cfg *config.Config, client *kgo.Client, ledger usecase.LedgerGateway, m *metrics.Metrics) *Consumer {
	return &Consumer{
		client:  client,
		cfg:     cfg,
		ledger:  ledger,
		metrics: m,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("consumer poll error")
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			c.processRecord(ctx, iter.Next())
		}

		if err := c.client.CommitRecords(ctx, fetches.Records()...); err != nil {
			log.Error().Err(err).Msg("commit records")
		}
	}
}

// StartRetry waits out x-next-at on each retry record and puts it back on
// its request topic.
func (c *Consumer) StartRetry(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			if nextAt, ok := retryNextAt(record); ok && time.Now().Before(nextAt) {
				select {
				case <-time.After(time.Until(nextAt)):
				case <-ctx.Done():
					return
				}
			}

			requeued := &kgo.Record{
				Topic:   strings.TrimSuffix(record.Topic, TopicRetrySuffix) + TopicRequestSuffix,
				Key:     record.Key,
				Value:   record.Value,
				Headers: record.Headers,
			}
			if err := c.client.ProduceSync(ctx, requeued).FirstErr(); err != nil {
				log.Error().Err(err).Str("topic", requeued.Topic).Msg("requeue retry record")
			}
		}
		if err := c.client.CommitRecords(ctx, fetches.Records()...); err != nil {
			log.Error().Err(err).Msg("commit retry records")
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	var req RequestPayload
	if err := json.Unmarshal(record.Value, &req); err != nil {
		c.deadLetter(ctx, record, req, ErrCodeInvalidRequest, "invalid request payload")
		return
	}

	start := time.Now()
	resp, err := Dispatch(ctx, c.ledger, req)
	c.metrics.ObserveResult(metrics.TransportKafka, req.Op, start, dispatchResult(resp, err))
	if err != nil {
		c.retry(ctx, record, req, err)
		return
	}
	c.sendResponse(ctx, req.ReplyTo, resp)
}

// Dispatch runs req against ledger. Ledger failures are folded into an error
// reply; the returned error is reserved for infrastructure failures that are
// worth retrying.
func Dispatch(ctx context.Context, ledger usecase.LedgerGateway, req RequestPayload) (*ResponsePayload, error) {
	resp := successResponse(req.CorrelationID)
	var err error

	switch req.Op {
	case OpIssueVoucher:
		resp.Voucher, err = ledger.IssueVoucher(ctx, usecase.IssueVoucherInput{
			OwnerID:      req.ActorID,
			Amount:       req.Amount,
			CurrencyCode: req.CurrencyCode,
		})
	case OpValidateVoucher:
		resp.Voucher, err = ledger.ValidateVoucher(ctx, req.Code)
	case OpGetVoucher:
		resp.Voucher, err = ledger.GetVoucher(ctx, req.ActorID, req.VoucherID)
	case OpGiftVoucher:
		resp.Voucher, err = ledger.GiftVoucher(ctx, usecase.GiftVoucherInput{
			VoucherID:      req.VoucherID,
			ActorID:        req.ActorID,
			RecipientEmail: req.RecipientEmail,
			RecipientName:  req.RecipientName,
			Message:        req.Message,
		})
	case OpRedeemVoucher:
		resp.Voucher, err = ledger.RedeemVoucher(ctx, req.Code, req.ActorID)
	case OpApplyVoucher:
		resp.Apply, err = ledger.ApplyVoucher(ctx, usecase.ApplyVoucherInput{
			VoucherID:      req.VoucherID,
			ActorID:        req.ActorID,
			PurchaseAmount: req.Amount,
		})
	case OpListVouchers:
		resp.Vouchers, err = ledger.ListVouchers(ctx, req.ActorID)
	case OpJoinLoyalty:
		resp.Account, err = ledger.JoinLoyalty(ctx, req.UserID, req.Preferences)
	case OpAwardPoints:
		resp.Award, err = ledger.AwardPoints(ctx, req.UserID, req.Amount)
	case OpGetLoyalty:
		resp.Account, err = ledger.GetLoyalty(ctx, req.ActorID, req.Target)
	case OpUpdateLoyalty:
		resp.Account, err = ledger.UpdateLoyaltyPreferences(ctx, req.ActorID, req.Target, req.Preferences)
	case OpDeactivateLoyalty:
		resp.Account, err = ledger.DeactivateLoyalty(ctx, req.ActorID, req.Target)
	case OpCheckMembership:
		resp.IsMember, err = ledger.CheckMembership(ctx, req.UserID)
	case OpListLoyalty:
		resp.Accounts, err = ledger.ListLoyaltyMembers(ctx, req.ActorID)
	default:
		return errorResponse(req.CorrelationID, ErrCodeInvalidRequest, fmt.Sprintf("unknown op %q", req.Op)), nil
	}

	if err != nil {
		if domain.IsValidation(err) {
			return ledgerErrorResponse(req.CorrelationID, err), nil
		}
		return nil, err
	}
	return resp, nil
}

// dispatchResult is the metrics result label of a Dispatch call. Ledger
// failures come back as error replies, not as err.
func dispatchResult(resp *ResponsePayload, err error) string {
	switch {
	case err != nil:
		return domain.Code(err)
	case resp.Status == StatusError:
		return resp.ErrorCode
	default:
		return metrics.ResultOK
	}
}

// retry re-queues record on the retry topic with a backoff, or dead-letters
// it once MaxRetries attempts are used up.
func (c *Consumer) retry(ctx context.Context, record *kgo.Record, req RequestPayload, cause error) {
	attempt := retryAttempt(record) + 1
	logger := log.With().
		Err(cause).
		Str("op", req.Op).
		Str("correlation_id", req.CorrelationID).
		Int("attempt", attempt).
		Logger()

	if attempt > c.cfg.MaxRetries() {
		logger.Error().Msg("retries exhausted, dead-lettering request")
		c.deadLetter(ctx, record, req, domain.CodeInternal, cause.Error())
		return
	}

	retryTopic := strings.TrimSuffix(record.Topic, TopicRequestSuffix) + TopicRetrySuffix
	nextAt := time.Now().Add(c.cfg.RetryBackoff() * time.Duration(attempt))
	retryRecord := &kgo.Record{
		Topic: retryTopic,
		Key:   record.Key,
		Value: record.Value,
		Headers: withHeaders(record.Headers,
			kgo.RecordHeader{Key: RetryHeaderNextAt, Value: []byte(nextAt.UTC().Format(time.RFC3339))},
			kgo.RecordHeader{Key: RetryHeaderAttempt, Value: []byte(strconv.Itoa(attempt))},
		),
	}
	if err := c.client.ProduceSync(ctx, retryRecord).FirstErr(); err != nil {
		logger.Error().AnErr("produce_err", err).Msg("schedule retry")
		c.deadLetter(ctx, record, req, domain.CodeInternal, cause.Error())
		return
	}
	logger.Warn().Time("next_at", nextAt).Msg("request scheduled for retry")
}

func (c *Consumer) sendResponse(ctx context.Context, topic string, resp *ResponsePayload) {
	if topic == "" {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("correlation_id", resp.CorrelationID).Msg("encode response")
		return
	}
	record := &kgo.Record{
		Topic: topic,
		Value: payload,
	}
	if err := c.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("send response")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, record *kgo.Record, req RequestPayload, code, message string) {
	c.sendResponse(ctx, req.ReplyTo, errorResponse(req.CorrelationID, code, message))

	dlqTopic := record.Topic + TopicDLQSuffix
	dlqRecord := &kgo.Record{
		Topic:   dlqTopic,
		Key:     record.Key,
		Value:   record.Value,
		Headers: withHeaders(record.Headers, kgo.RecordHeader{Key: ErrorHeaderKey, Value: []byte(message)}),
	}
	if err := c.client.ProduceSync(ctx, dlqRecord).FirstErr(); err != nil {
		log.Error().Err(err).Str("topic", dlqTopic).Msg("dead-letter record")
	}
}

// withHeaders copies headers, replacing any with the same key as extra.
func withHeaders(headers []kgo.RecordHeader, extra ...kgo.RecordHeader) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(headers)+len(extra))
	for _, h := range headers {
		replaced := false
		for _, e := range extra {
			if h.Key == e.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, h)
		}
	}
	return append(out, extra...)
}

func header(record *kgo.Record, key string) (string, bool) {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func retryNextAt(record *kgo.Record) (time.Time, bool) {
	value, ok := header(record, RetryHeaderNextAt)
	if !ok {
		return time.Time{}, false
	}
	nextAt, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return nextAt, true
}

func retryAttempt(record *kgo.Record) int {
	value, ok := header(record, RetryHeaderAttempt)
	if !ok {
		return 0
	}
	attempt, err := strconv.Atoi(value)
	if err != nil || attempt < 0 {
		return 0
	}
	return attempt
}
