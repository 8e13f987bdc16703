package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsa-backend/ledger/internal/config"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/metrics"
	"github.com/tsa-backend/ledger/internal/repository"
	"github.com/tsa-backend/ledger/internal/repository/memory"
	"github.com/tsa-backend/ledger/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
)

func newLedger(t *testing.T) (*usecase.Ledger, domain.User, domain.User) {
	t.Helper()
	store := memory.New()
	ledger := usecase.NewLedger(
		usecase.NewVoucherService(store, usecase.DefaultVoucherPolicy()),
		usecase.NewLoyaltyService(store, usecase.DefaultLoyaltyPolicy()),
	)
	alice, err := store.CreateUser(context.Background(), repository.CreateUserParams{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	bob, err := store.CreateUser(context.Background(), repository.CreateUserParams{Username: "bob", Email: "bob@example.com"})
	require.NoError(t, err)
	return ledger, alice, bob
}

// roundTrip pushes req through JSON the way it travels on the wire.
func roundTrip(t *testing.T, req RequestPayload) RequestPayload {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	var out RequestPayload
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestDispatch_VoucherLifecycle(t *testing.T) {
	ledger, alice, bob := newLedger(t)
	ctx := context.Background()

	resp, err := Dispatch(ctx, ledger, roundTrip(t, RequestPayload{
		CorrelationID: "c-1",
		Op:            OpIssueVoucher,
		ActorID:       alice.ID,
		Amount:        decimal.RequireFromString("40.00"),
	}))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "c-1", resp.CorrelationID)
	require.NotNil(t, resp.Voucher)
	v := resp.Voucher

	resp, err = Dispatch(ctx, ledger, RequestPayload{Op: OpRedeemVoucher, ActorID: bob.ID, Code: v.Code})
	require.NoError(t, err)
	assert.Equal(t, bob.ID, resp.Voucher.OwnerID)

	resp, err = Dispatch(ctx, ledger, RequestPayload{Op: OpApplyVoucher, ActorID: bob.ID, VoucherID: v.ID, Amount: decimal.NewFromInt(15)})
	require.NoError(t, err)
	require.NotNil(t, resp.Apply)
	assert.True(t, resp.Apply.Remaining.Equal(decimal.NewFromInt(25)))

	resp, err = Dispatch(ctx, ledger, RequestPayload{Op: OpListVouchers, ActorID: bob.ID})
	require.NoError(t, err)
	assert.Len(t, resp.Vouchers, 1)
}

func TestDispatch_LedgerErrorsBecomeReplies(t *testing.T) {
	ledger, alice, _ := newLedger(t)

	resp, err := Dispatch(context.Background(), ledger, RequestPayload{
		CorrelationID: "c-2",
		Op:            OpValidateVoucher,
		Code:          "GIFT-MISSING",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, domain.CodeNotFound, resp.ErrorCode)
	assert.Equal(t, domain.EntityVoucher, resp.ErrorEntity)
	assert.Equal(t, "GIFT-MISSING", resp.ErrorRef)

	resp, err = Dispatch(context.Background(), ledger, RequestPayload{Op: OpAwardPoints, UserID: alice.ID, Amount: decimal.NewFromInt(-1)})
	require.NoError(t, err)
	assert.Equal(t, domain.CodeInvalidAmount, resp.ErrorCode)

	resp, err = Dispatch(context.Background(), ledger, RequestPayload{Op: "voucher.melt"})
	require.NoError(t, err)
	assert.Equal(t, ErrCodeInvalidRequest, resp.ErrorCode)
}

func TestDispatch_Loyalty(t *testing.T) {
	ledger, alice, _ := newLedger(t)
	ctx := context.Background()

	resp, err := Dispatch(ctx, ledger, roundTrip(t, RequestPayload{Op: OpJoinLoyalty, UserID: alice.ID, Preferences: map[string]any{"sms": false}}))
	require.NoError(t, err)
	require.NotNil(t, resp.Account)
	assert.Equal(t, false, resp.Account.Preferences["sms"])

	resp, err = Dispatch(ctx, ledger, roundTrip(t, RequestPayload{Op: OpAwardPoints, UserID: alice.ID, Amount: decimal.RequireFromString("120.5")}))
	require.NoError(t, err)
	assert.Equal(t, int64(1205), resp.Award.TotalPoints)
	assert.Equal(t, domain.TierPlatinum, resp.Award.NewTier)

	resp, err = Dispatch(ctx, ledger, RequestPayload{Op: OpCheckMembership, UserID: alice.ID})
	require.NoError(t, err)
	assert.True(t, resp.IsMember)

	resp, err = Dispatch(ctx, ledger, RequestPayload{Op: OpDeactivateLoyalty, ActorID: alice.ID, Target: "me"})
	require.NoError(t, err)
	assert.False(t, resp.Account.IsActive)
}

type brokenLedger struct {
	usecase.LedgerGateway
}

func (brokenLedger) ValidateVoucher(context.Context, string) (*domain.Voucher, error) {
	return nil, errors.New("too many connections")
}

func TestDispatch_InfrastructureErrorIsReturned(t *testing.T) {
	resp, err := Dispatch(context.Background(), brokenLedger{}, RequestPayload{Op: OpValidateVoucher, Code: "GIFT-1"})

	assert.Nil(t, resp)
	assert.EqualError(t, err, "too many connections")
}

func TestProcessRecord_CountsLedgerErrors(t *testing.T) {
	ledger, alice, _ := newLedger(t)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	// no reply topic and no retries, so the client is never touched
	c := NewConsumer(&config.Config{}, nil, ledger, m)

	for _, req := range []RequestPayload{
		{Op: OpValidateVoucher, Code: "GIFT-MISSING"},
		{Op: OpJoinLoyalty, UserID: alice.ID},
		{Op: OpAwardPoints, UserID: alice.ID, Amount: decimal.RequireFromString("1e18")},
	} {
		raw, err := json.Marshal(req)
		require.NoError(t, err)
		c.processRecord(context.Background(), &kgo.Record{Topic: TopicFor(req.Op), Value: raw})
	}

	expected := `
# HELP ledger_operations_total Ledger operations by outcome code.
# TYPE ledger_operations_total counter
ledger_operations_total{op="loyalty.award",result="INVALID_AMOUNT",transport="kafka"} 1
ledger_operations_total{op="loyalty.join",result="ok",transport="kafka"} 1
ledger_operations_total{op="voucher.validate",result="NOT_FOUND",transport="kafka"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ledger_operations_total"))
}

func TestDispatchResult(t *testing.T) {
	assert.Equal(t, metrics.ResultOK, dispatchResult(successResponse("c-7"), nil))
	assert.Equal(t, domain.CodeExpired, dispatchResult(errorResponse("c-8", domain.CodeExpired, "expired"), nil))
	assert.Equal(t, domain.CodeInternal, dispatchResult(nil, errors.New("too many connections")))
}

func TestResponseError(t *testing.T) {
	orig := domain.NewError(domain.ErrExpired, domain.EntityVoucher, "GIFT-0000AAAA")
	resp := ledgerErrorResponse("c-3", orig)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var decoded ResponsePayload
	require.NoError(t, json.Unmarshal(raw, &decoded))

	got := ResponseError(&decoded)
	assert.ErrorIs(t, got, domain.ErrExpired)
	var lerr *domain.Error
	require.ErrorAs(t, got, &lerr)
	assert.Equal(t, orig.Entity, lerr.Entity)
	assert.Equal(t, orig.Ref, lerr.Ref)

	assert.NoError(t, ResponseError(successResponse("c-4")))

	internal := ResponseError(errorResponse("c-5", domain.CodeInternal, "db down"))
	assert.EqualError(t, internal, "db down")
	assert.False(t, domain.IsValidation(internal))
}

func TestHandleResponse_DeliversToWaiter(t *testing.T) {
	g := NewGateway(&config.Config{KafkaInstanceID: "test"}, nil)
	ch := make(chan *ResponsePayload, 1)
	g.pendingResp.Store("c-6", ch)

	payload, err := json.Marshal(ResponsePayload{CorrelationID: "c-6", Status: StatusSuccess, IsMember: true})
	require.NoError(t, err)
	g.HandleResponse(payload)
	g.HandleResponse(payload)
	g.HandleResponse([]byte("not json"))

	select {
	case resp := <-ch:
		assert.True(t, resp.IsMember)
	case <-time.After(time.Second):
		t.Fatal("response was not delivered")
	}
}

func TestRetryHeaders(t *testing.T) {
	nextAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	record := &kgo.Record{Headers: withHeaders(
		[]kgo.RecordHeader{{Key: RetryHeaderAttempt, Value: []byte("1")}, {Key: "trace", Value: []byte("t")}},
		kgo.RecordHeader{Key: RetryHeaderNextAt, Value: []byte(nextAt.Format(time.RFC3339))},
		kgo.RecordHeader{Key: RetryHeaderAttempt, Value: []byte(strconv.Itoa(2))},
	)}

	got, ok := retryNextAt(record)
	require.True(t, ok)
	assert.True(t, got.Equal(nextAt))
	assert.Equal(t, 2, retryAttempt(record))
	assert.Len(t, record.Headers, 3)

	assert.Equal(t, 0, retryAttempt(&kgo.Record{}))
	_, ok = retryNextAt(&kgo.Record{Headers: []kgo.RecordHeader{{Key: RetryHeaderNextAt, Value: []byte("soon")}}})
	assert.False(t, ok)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, []string{
		"ledger.voucher.req", "ledger.voucher.retry", "ledger.voucher.req.dlq",
		"ledger.loyalty.req", "ledger.loyalty.retry", "ledger.loyalty.req.dlq",
		"ledger.reply.node-1",
	}, Topics("node-1"))

	assert.Equal(t, TopicLoyaltyRequest, TopicFor(OpAwardPoints))
	assert.Equal(t, TopicVoucherRequest, TopicFor(OpApplyVoucher))
}
