package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"creditledger/internal/model"
	"creditledger/internal/service"
	"creditledger/internal/testutil"
	"creditledger/pkg/response"
	"creditledger/pkg/zpay"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testServer struct {
	db     *gorm.DB
	router *gin.Engine
	svc    Services
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	cfg := testutil.Config()
	ledger := service.NewLedgerService(db, cfg)
	projector := service.NewBalanceProjector(db, cfg)
	orders := service.NewOrderService(db, cfg, ledger, service.NewProductCatalogFromConfig(cfg.Products))
	svc := Services{
		Users:  service.NewUserService(db, cfg),
		Ledger: ledger,
		Orders: orders,
		Notify: service.NewNotifyService(db, cfg, orders, zpay.NewVerifier(testutil.MerchantKey), nil),
		Guard:  service.NewGuardService(db, cfg, projector, ledger),
		Tasks:  service.NewTaskService(db, cfg, ledger),
	}
	return &testServer{db: db, router: SetupRouter(NewHandler(cfg, svc)), svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, userID int64, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		req.Header.Set(headerUserID, strconv.FormatInt(userID, 10))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/credits/balance", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.CodeUnauthorized, decode(t, w).Code)
}

func TestRegisterAndBalance(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/user/register", 0, gin.H{
		"username": "carol", "email": "carol@example.com", "password": "secret1",
	})
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var user model.User
	require.NoError(t, json.Unmarshal(env.Data, &user))

	w = s.do(t, http.MethodPost, "/api/v1/credits/daily-bonus", user.ID, nil)
	require.Equal(t, response.CodeSuccess, decode(t, w).Code)

	w = s.do(t, http.MethodPost, "/api/v1/credits/daily-bonus", user.ID, nil)
	assert.Equal(t, response.CodeAlreadyClaimed, decode(t, w).Code)

	w = s.do(t, http.MethodGet, "/api/v1/credits/balance", user.ID, nil)
	env = decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code)
	assert.JSONEq(t, `{"user_id":`+strconv.FormatInt(user.ID, 10)+`,"credits":20}`, string(env.Data))

	w = s.do(t, http.MethodGet, "/api/v1/credits/entries?source=daily_bonus&min_amount=1", user.ID, nil)
	env = decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code)
	var page struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(1), page.Total)

	w = s.do(t, http.MethodGet, "/api/v1/credits/entries?min_amount=abc", user.ID, nil)
	assert.Equal(t, response.CodeParamError, decode(t, w).Code)
}

func TestOrderFlowThroughNotify(t *testing.T) {
	s := newTestServer(t)
	testutil.SeedUser(t, s.db, 7)

	w := s.do(t, http.MethodPost, "/api/v1/order/create", 7, gin.H{"amount": "50"})
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var created struct {
		OutTradeNo string `json:"out_trade_no"`
		Money      string `json:"money"`
		PayURL     string `json:"pay_url"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "50.00", created.Money)
	assert.Contains(t, created.PayURL, "out_trade_no="+created.OutTradeNo)

	w = s.do(t, http.MethodPost, "/api/v1/order/create", 7, gin.H{"amount": "200"})
	assert.Equal(t, response.CodeDuplicatePendingOrder, decode(t, w).Code)

	order, err := s.svc.Orders.GetOrder(context.Background(), created.OutTradeNo)
	require.NoError(t, err)

	params := map[string]string{
		"pid":          order.Pid,
		"trade_no":     "T-http-1",
		"out_trade_no": order.OutTradeNo,
		"type":         order.Channel,
		"name":         order.Name,
		"money":        "50.00",
		"trade_status": model.TradeStatusSuccess,
		"sign_type":    zpay.SignTypeMD5,
	}
	params["sign"] = zpay.Sign(params, testutil.MerchantKey)
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}

	for i := 0; i < 2; i++ {
		w = s.do(t, http.MethodGet, "/api/v1/payment/notify?"+q.Encode(), 0, nil)
		assert.Equal(t, "success", w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/api/v1/credits/balance", 7, nil)
	env = decode(t, w)
	assert.JSONEq(t, `{"user_id":7,"credits":500}`, string(env.Data))

	q.Set("sign", "bad")
	w = s.do(t, http.MethodGet, "/api/v1/payment/notify?"+q.Encode(), 0, nil)
	assert.Equal(t, "fail", w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/order/detail?out_trade_no="+created.OutTradeNo, 8, nil)
	assert.Equal(t, response.CodeOrderNotFound, decode(t, w).Code)

	w = s.do(t, http.MethodPost, "/api/v1/order/create", 7, gin.H{"amount": "200"})
	assert.Equal(t, response.CodeSuccess, decode(t, w).Code)
}

func TestNotifyAcksPaidAfterClose(t *testing.T) {
	s := newTestServer(t)
	testutil.SeedUser(t, s.db, 1)

	w := s.do(t, http.MethodPost, "/api/v1/order/create", 1, gin.H{"product_id": "credits_150"})
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var created struct {
		OutTradeNo string `json:"out_trade_no"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	w = s.do(t, http.MethodPost, "/api/v1/order/cancel", 1, gin.H{"out_trade_no": created.OutTradeNo})
	require.Equal(t, response.CodeSuccess, decode(t, w).Code)

	order, err := s.svc.Orders.GetOrder(context.Background(), created.OutTradeNo)
	require.NoError(t, err)
	form := map[string]string{
		"pid":          order.Pid,
		"trade_no":     "T-late",
		"out_trade_no": order.OutTradeNo,
		"money":        "2.90",
		"trade_status": model.TradeStatusSuccess,
		"sign_type":    zpay.SignTypeMD5,
	}
	form["sign"] = zpay.Sign(form, testutil.MerchantKey)
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/notify", bytes.NewBufferString(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "success", rec.Body.String())

	balance, err := s.svc.Ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	testutil.SeedAdmin(t, s.db, 100)
	testutil.SeedUser(t, s.db, 1)

	w := s.do(t, http.MethodPost, "/api/v1/admin/adjust", 1, gin.H{"user_id": 1, "amount": 10, "reason": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/adjust", 100, gin.H{"user_id": 1, "amount": 30, "reason": "补偿"})
	require.Equal(t, response.CodeSuccess, decode(t, w).Code)

	require.NoError(t, s.db.Model(&model.UserProfile{}).Where("user_id = ?", 1).Update("credits", 12).Error)

	w = s.do(t, http.MethodGet, "/api/v1/admin/check?user_id=1", 100, nil)
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code)
	var check struct {
		Consistent bool                `json:"consistent"`
		Violations []service.Violation `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &check))
	assert.False(t, check.Consistent)
	require.Len(t, check.Violations, 1)
	assert.Equal(t, service.ViolationBalanceDrift, check.Violations[0].Kind)

	w = s.do(t, http.MethodPost, "/api/v1/admin/audit", 100, nil)
	require.Equal(t, response.CodeSuccess, decode(t, w).Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/repair", 100, gin.H{"user_id": 1, "reason": "对账"})
	require.Equal(t, response.CodeSuccess, decode(t, w).Code)

	balance, err := s.svc.Ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	w = s.do(t, http.MethodGet, "/api/v1/admin/logs?user_id=1", 100, nil)
	env = decode(t, w)
	var logs []model.AdminOperationLog
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	assert.Len(t, logs, 2)
}

func TestAdminLedgerAndOrderViews(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	testutil.SeedAdmin(t, s.db, 100)
	testutil.SeedUser(t, s.db, 1)
	testutil.SeedUser(t, s.db, 2)
	_, err := s.svc.Guard.AdjustCredits(ctx, 100, 1, 30, "seed")
	require.NoError(t, err)
	_, err = s.svc.Guard.AdjustCredits(ctx, 100, 2, 5, "seed")
	require.NoError(t, err)
	order, err := s.svc.Orders.CreateOrder(ctx, &service.CreateOrderRequest{UserID: 2, ProductID: "credits_150"})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/admin/entries", 1, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	type page struct {
		List  []json.RawMessage `json:"list"`
		Total int64             `json:"total"`
	}

	w = s.do(t, http.MethodGet, "/api/v1/admin/entries?username=user1&min_amount=1", 100, nil)
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var entries page
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.Equal(t, int64(1), entries.Total)
	require.Len(t, entries.List, 1)
	var entry struct {
		UserID   int64  `json:"user_id"`
		Amount   int64  `json:"amount"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(entries.List[0], &entry))
	assert.Equal(t, int64(1), entry.UserID)
	assert.Equal(t, int64(30), entry.Amount)
	assert.Equal(t, "user1", entry.Username)

	w = s.do(t, http.MethodGet, "/api/v1/admin/entries?user_id=abc", 100, nil)
	assert.Equal(t, response.CodeParamError, decode(t, w).Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/orders?status=pending&user_search=user2", 100, nil)
	env = decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var orders page
	require.NoError(t, json.Unmarshal(env.Data, &orders))
	assert.Equal(t, int64(1), orders.Total)
	require.Len(t, orders.List, 1)
	var listed struct {
		OutTradeNo string `json:"out_trade_no"`
		Username   string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(orders.List[0], &listed))
	assert.Equal(t, order.OutTradeNo, listed.OutTradeNo)
	assert.Equal(t, "user2", listed.Username)

	w = s.do(t, http.MethodGet, "/api/v1/admin/orders/statistics", 100, nil)
	env = decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var stats service.OrderStatistics
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Pending)
	assert.True(t, stats.SucceededAmount.IsZero())
}

func TestTaskRoutes(t *testing.T) {
	s := newTestServer(t)
	testutil.SeedAdmin(t, s.db, 100)
	testutil.SeedUser(t, s.db, 1)
	_, err := s.svc.Guard.AdjustCredits(context.Background(), 100, 1, 15, "seed")
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/v1/task/submit", 1, gin.H{"model": "m", "prompt": "p", "cost": 20})
	assert.Equal(t, response.CodeBalanceNotEnough, decode(t, w).Code)

	w = s.do(t, http.MethodPost, "/api/v1/task/submit", 1, gin.H{"model": "m", "prompt": "p", "cost": 10})
	env := decode(t, w)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var task model.ImageGenerationTask
	require.NoError(t, json.Unmarshal(env.Data, &task))

	w = s.do(t, http.MethodPost, "/api/v1/admin/task/fail", 100, gin.H{"task_id": task.ID, "message": "boom"})
	require.Equal(t, response.CodeSuccess, decode(t, w).Code)

	w = s.do(t, http.MethodGet, "/api/v1/task/detail?task_id="+task.ID, 1, nil)
	env = decode(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Equal(t, model.TaskStatusFailed, task.Status)

	balance, err := s.svc.Ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
}
