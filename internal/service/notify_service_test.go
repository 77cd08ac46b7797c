package service

import (
	"context"
	"testing"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/model"
	"creditledger/internal/testutil"
	"creditledger/pkg/zpay"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedNotification(order *model.PaymentOrder, tradeNo, status, money string) Notification {
	params := map[string]string{
		"pid":          order.Pid,
		"trade_no":     tradeNo,
		"out_trade_no": order.OutTradeNo,
		"type":         order.Channel,
		"name":         order.Name,
		"money":        money,
		"trade_status": status,
		"sign_type":    zpay.SignTypeMD5,
	}
	params["sign"] = zpay.Sign(params, testutil.MerchantKey)
	return NotificationFromParams(params)
}

func newPendingOrder(t *testing.T, env *testEnv, userID int64, productID string) *model.PaymentOrder {
	t.Helper()
	testutil.SeedUser(t, env.db, userID)
	order, err := env.orders.CreateOrder(context.Background(), &CreateOrderRequest{UserID: userID, ProductID: productID})
	require.NoError(t, err)
	return order
}

func TestNotifySuccessCreditsAndReplayIsAcked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := newPendingOrder(t, env, 1, "credits_150")

	n := signedNotification(order, "T1", model.TradeStatusSuccess, "2.90")
	res, err := env.notify.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Ack)
	assert.True(t, res.Applied)
	assert.Equal(t, model.OrderStatusSucceeded, res.Order.Status)

	res, err = env.notify.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Ack)
	assert.True(t, res.AlreadyProcessed)
	assert.False(t, res.Applied)

	var count int64
	require.NoError(t, env.db.Model(&model.CreditTransaction{}).Where("user_id = ?", 1).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	balance, err := env.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestNotifyRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := newPendingOrder(t, env, 1, "credits_150")

	n := signedNotification(order, "T1", model.TradeStatusSuccess, "2.90")
	n.Params["money"] = "0.01"
	_, err := env.notify.Handle(ctx, n)
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = env.notify.Handle(ctx, Notification{OutTradeNo: order.OutTradeNo})
	assert.ErrorIs(t, err, apperr.ErrMalformedNotification)

	got, err := env.orders.GetOrder(ctx, order.OutTradeNo)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status)
}

func TestNotifyAmountMismatchRequestsReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := newPendingOrder(t, env, 1, "credits_150")

	_, err := env.notify.Handle(ctx, signedNotification(order, "T1", model.TradeStatusSuccess, "0.29"))
	assert.ErrorIs(t, err, apperr.ErrAmountMismatch)

	got, err := env.orders.GetOrder(ctx, order.OutTradeNo)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status)

	events, err := env.orders.outboxRepo.ListByKey(ctx, order.OutTradeNo)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventReviewRequired, events[0].EventType)
	assert.Equal(t, "review-request", events[0].Topic)
	assert.Contains(t, events[0].Payload, ReviewAmountMismatch)

	// 金额写法不同但数值相等时照常处理
	res, err := env.notify.Handle(ctx, signedNotification(order, "T1", model.TradeStatusSuccess, "2.9"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestNotifyPaidAfterCloseRequestsReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := newPendingOrder(t, env, 1, "credits_150")

	_, err := env.orders.MarkClosed(ctx, order.OutTradeNo, "支付超时")
	require.NoError(t, err)

	_, err = env.notify.Handle(ctx, signedNotification(order, "T1", model.TradeStatusSuccess, "2.90"))
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	events, err := env.orders.outboxRepo.ListByKey(ctx, order.OutTradeNo)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventPaymentClosed, events[0].EventType)
	assert.Equal(t, model.EventReviewRequired, events[1].EventType)
	assert.Contains(t, events[1].Payload, ReviewPaidAfterClose)

	balance, err := env.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestNotifyTradeClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := newPendingOrder(t, env, 1, "credits_150")

	n := signedNotification(order, "T1", model.TradeStatusClosed, "2.90")
	res, err := env.notify.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.OrderStatusClosed, res.Order.Status)

	res, err = env.notify.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Ack)
	assert.True(t, res.AlreadyProcessed)
}

func TestNotifyWaitsForLateOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	testutil.SeedUser(t, env.db, 1)

	order := &model.PaymentOrder{
		UserID:     1,
		OutTradeNo: "PAY-late-1",
		Pid:        env.cfg.Gateway.MerchantID,
		Channel:    model.ChannelAlipay,
		Name:       "10 积分",
		Money:      yuan("1.00"),
		Credits:    10,
		SignType:   zpay.SignTypeMD5,
		Status:     model.OrderStatusPending,
		AddTime:    time.Now(),
		ExpiredAt:  time.Now().Add(time.Hour),
	}
	n := signedNotification(order, "T1", model.TradeStatusSuccess, "1.00")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = env.db.Create(order).Error
	}()

	res, err := env.notify.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	balance, err := env.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestNotifyUnknownOrderGivesUp(t *testing.T) {
	env := newTestEnv(t)
	env.notify.lookupPolicy.InitialInterval = time.Millisecond
	order := &model.PaymentOrder{OutTradeNo: "PAY-never", Pid: "1001", Channel: model.ChannelAlipay}

	_, err := env.notify.Handle(context.Background(), signedNotification(order, "T1", model.TradeStatusSuccess, "1.00"))
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
}

func TestNotifyWithRedisLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	notify := NewNotifyService(env.db, env.cfg, env.orders, zpay.NewVerifier(testutil.MerchantKey), client)
	order := newPendingOrder(t, env, 1, "credits_150")

	res, err := notify.Handle(ctx, signedNotification(order, "T1", model.TradeStatusSuccess, "2.90"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Empty(t, mr.Keys())
}
