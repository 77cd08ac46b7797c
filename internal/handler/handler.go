package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/logger"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/pkg/response"
	"creditledger/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Services 处理器依赖的全部业务服务
type Services struct {
	Users  *service.UserService
	Ledger *service.LedgerService
	Orders *service.OrderService
	Notify *service.NotifyService
	Guard  *service.GuardService
	Tasks  *service.TaskService
}

// Handler 统一处理器
type Handler struct {
	svc         Services
	retryPolicy retry.Policy
}

func NewHandler(cfg *config.Config, svc Services) *Handler {
	return &Handler{
		svc:         svc,
		retryPolicy: retry.DefaultPolicy(cfg.Business.CallerRetryAttempts),
	}
}

// withRetry 存储层暂时不可用时退避重试，业务错误直接返回
func withRetry[T any](ctx context.Context, h *Handler, fn func() (T, error)) (T, error) {
	return retry.Do(ctx, h.retryPolicy, apperr.IsTransient, fn)
}

var errorCodes = []struct {
	err  error
	code int
}{
	{apperr.ErrInvalidArgument, response.CodeParamError},
	{apperr.ErrForbidden, response.CodeForbidden},
	{apperr.ErrInvalidAmount, response.CodeInvalidAmountOrSource},
	{apperr.ErrInvalidSource, response.CodeInvalidAmountOrSource},
	{apperr.ErrInsufficientBalance, response.CodeBalanceNotEnough},
	{apperr.ErrDuplicatePendingOrder, response.CodeDuplicatePendingOrder},
	{apperr.ErrInvalidStateTransition, response.CodeOrderStatusInvalid},
	{apperr.ErrOrderNotFound, response.CodeOrderNotFound},
	{apperr.ErrTaskNotFound, response.CodeTaskNotFound},
	{apperr.ErrUserNotFound, response.CodeUserNotFound},
	{apperr.ErrUserExists, response.CodeUserExists},
	{apperr.ErrAlreadyClaimed, response.CodeAlreadyClaimed},
	{apperr.ErrInvalidSignature, response.CodeInvalidSignature},
	{apperr.ErrAmountMismatch, response.CodeAmountMismatch},
	{apperr.ErrMalformedNotification, response.CodeMalformedNotification},
	{apperr.ErrTransientStore, response.CodeUnavailable},
}

func renderError(c *gin.Context, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			response.BusinessError(c, e.code, err.Error())
			return
		}
	}
	logger.Log.Error("未分类的服务错误", zap.String("path", c.Request.URL.Path), zap.Error(err))
	response.ServerError(c, "服务器内部错误")
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	return page, pageSize
}

// ============================================================
// 用户
// ============================================================

type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register POST /api/v1/user/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.svc.Users.Register(c.Request.Context(), &service.RegisterRequest{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, user)
}

// GetProfile GET /api/v1/user/profile
func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.svc.Users.GetProfile(c.Request.Context(), currentUserID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":               profile.UserID,
		"credits":               profile.Credits,
		"free_model1_usages":    profile.FreeModel1Usages,
		"free_model2_usages":    profile.FreeModel2Usages,
		"membership_type":       profile.EffectiveMembership(time.Now()),
		"membership_expires_at": profile.MembershipExpiresAt,
	})
}

// ============================================================
// 积分
// ============================================================

// GetBalance GET /api/v1/credits/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := currentUserID(c)
	balance, err := h.svc.Ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id": userID,
		"credits": balance,
	})
}

// ListEntries GET /api/v1/credits/entries?source=&min_amount=&max_amount=&start_time=&end_time=
func (h *Handler) ListEntries(c *gin.Context) {
	filter, err := parseEntryFilter(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	page, pageSize := pageParams(c)

	entries, total, err := h.svc.Ledger.ListEntries(c.Request.Context(), currentUserID(c), filter, page, pageSize)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parseEntryFilter(c *gin.Context) (repository.EntryFilter, error) {
	filter := repository.EntryFilter{Source: c.Query("source")}

	for key, dst := range map[string]**int64{"min_amount": &filter.MinAmount, "max_amount": &filter.MaxAmount} {
		if raw := c.Query(key); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return filter, errors.New(key + " 参数错误")
			}
			*dst = &v
		}
	}
	for key, dst := range map[string]**time.Time{"start_time": &filter.StartTime, "end_time": &filter.EndTime} {
		if raw := c.Query(key); raw != "" {
			v, err := parseTime(raw)
			if err != nil {
				return filter, errors.New(key + " 参数错误")
			}
			*dst = &v
		}
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, time.Local)
}

// ClaimDailyBonus POST /api/v1/credits/daily-bonus
func (h *Handler) ClaimDailyBonus(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUserID(c)
	entry, err := withRetry(ctx, h, func() (*model.CreditTransaction, error) {
		return h.svc.Ledger.ClaimDailyBonus(ctx, userID, time.Now())
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, entry)
}

// ============================================================
// 订单
// ============================================================

// ListProducts GET /api/v1/products
func (h *Handler) ListProducts(c *gin.Context) {
	products := h.svc.Orders.Products()
	list := make([]gin.H, 0, len(products))
	for _, p := range products {
		list = append(list, gin.H{
			"id":              p.ID,
			"name":            p.Name,
			"price":           p.Price.StringFixed(2),
			"credits":         p.Credits,
			"membership_tier": p.MembershipTier,
			"membership_days": p.MembershipDays,
		})
	}
	response.Success(c, list)
}

// CreateOrderRequest product_id 和 amount 二选一
type CreateOrderRequest struct {
	ProductID string                 `json:"product_id"`
	Amount    decimal.Decimal        `json:"amount"`
	Type      string                 `json:"type"`
	Name      string                 `json:"name"`
	Param     string                 `json:"param"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// CreateOrder POST /api/v1/order/create
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.ProductID == "" && !req.Amount.IsPositive() {
		response.ParamError(c, "product_id 和 amount 至少填写一个")
		return
	}

	ctx := c.Request.Context()
	serviceReq := &service.CreateOrderRequest{
		UserID:    currentUserID(c),
		Amount:    req.Amount,
		Channel:   req.Type,
		ProductID: req.ProductID,
		Name:      req.Name,
		ClientIP:  c.ClientIP(),
		Param:     req.Param,
		Metadata:  req.Metadata,
	}
	order, err := withRetry(ctx, h, func() (*model.PaymentOrder, error) {
		return h.svc.Orders.CreateOrder(ctx, serviceReq)
	})
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, gin.H{
		"out_trade_no": order.OutTradeNo,
		"status":       order.Status,
		"money":        order.Money.StringFixed(2),
		"credits":      order.Credits,
		"expired_at":   order.ExpiredAt,
		"pay_url":      h.svc.Orders.PaymentURL(order),
	})
}

// GetOrder GET /api/v1/order/detail?out_trade_no=xxx
func (h *Handler) GetOrder(c *gin.Context) {
	outTradeNo := c.Query("out_trade_no")
	if outTradeNo == "" {
		response.ParamError(c, "out_trade_no 参数不能为空")
		return
	}

	order, err := h.svc.Orders.GetUserOrder(c.Request.Context(), currentUserID(c), outTradeNo)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, order)
}

// ListOrders GET /api/v1/order/list?status=&page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	page, pageSize := pageParams(c)

	orders, total, err := h.svc.Orders.ListUserOrders(c.Request.Context(), currentUserID(c), c.Query("status"), page, pageSize)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// CancelOrder POST /api/v1/order/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req struct {
		OutTradeNo string `json:"out_trade_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	userID := currentUserID(c)
	if _, err := withRetry(ctx, h, func() (*model.PaymentOrder, error) {
		return h.svc.Orders.CancelOrder(ctx, userID, req.OutTradeNo)
	}); err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"message": "订单已取消",
	})
}

// ============================================================
// 支付回调
// ============================================================

// PaymentNotify GET|POST /api/v1/payment/notify
//
// 网关只认响应体 success，其余一律视为失败并重发
func (h *Handler) PaymentNotify(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusOK, "fail")
		return
	}
	params := make(map[string]string, len(c.Request.Form))
	for k, v := range c.Request.Form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	ctx := c.Request.Context()
	n := service.NotificationFromParams(params)
	result, err := withRetry(ctx, h, func() (*service.NotifyResult, error) {
		return h.svc.Notify.Handle(ctx, n)
	})
	switch {
	case err == nil && result.Ack:
		c.String(http.StatusOK, "success")
	case errors.Is(err, apperr.ErrInvalidStateTransition):
		// 终态订单收到支付成功已转人工复核，重发没有意义
		c.String(http.StatusOK, "success")
	default:
		logger.Log.Warn("支付回调处理失败",
			zap.String("out_trade_no", n.OutTradeNo),
			zap.String("trade_status", n.TradeStatus),
			zap.Error(err),
		)
		c.String(http.StatusOK, "fail")
	}
}

// ============================================================
// 生图任务
// ============================================================

type SubmitTaskRequest struct {
	Model           string                 `json:"model" binding:"required"`
	Prompt          string                 `json:"prompt" binding:"required"`
	Size            string                 `json:"size"`
	Cost            int64                  `json:"cost" binding:"required,gt=0"`
	ReferenceImages []string               `json:"reference_images"`
	MetaData        map[string]interface{} `json:"meta_data"`
}

// SubmitTask POST /api/v1/task/submit
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	serviceReq := &service.SubmitTaskRequest{
		UserID:          currentUserID(c),
		Model:           req.Model,
		Prompt:          req.Prompt,
		Size:            req.Size,
		Cost:            req.Cost,
		ReferenceImages: req.ReferenceImages,
		MetaData:        req.MetaData,
	}
	task, err := withRetry(ctx, h, func() (*model.ImageGenerationTask, error) {
		return h.svc.Tasks.Submit(ctx, serviceReq)
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, task)
}

// GetTask GET /api/v1/task/detail?task_id=xxx
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.svc.Tasks.GetTask(c.Request.Context(), currentUserID(c), c.Query("task_id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, task)
}

type TaskResultRequest struct {
	TaskID   string `json:"task_id" binding:"required"`
	ImageURL string `json:"image_url"`
	Message  string `json:"message"`
}

// FailTask POST /api/v1/admin/task/fail，由生图执行器回调
func (h *Handler) FailTask(c *gin.Context) {
	var req TaskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	task, err := withRetry(ctx, h, func() (*model.ImageGenerationTask, error) {
		return h.svc.Tasks.Fail(ctx, req.TaskID, req.Message)
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, task)
}

// SucceedTask POST /api/v1/admin/task/succeed
func (h *Handler) SucceedTask(c *gin.Context) {
	var req TaskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	task, err := h.svc.Tasks.Succeed(c.Request.Context(), req.TaskID, req.ImageURL)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, task)
}

// ============================================================
// 管理
// ============================================================

// RunAudit POST /api/v1/admin/audit
func (h *Handler) RunAudit(c *gin.Context) {
	batchSize, _ := strconv.Atoi(c.DefaultQuery("batch_size", "0"))
	report, err := h.svc.Guard.Audit(c.Request.Context(), batchSize)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, report)
}

// CheckUser GET /api/v1/admin/check?user_id=xxx
func (h *Handler) CheckUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	violations, err := h.svc.Guard.CheckUser(c.Request.Context(), userID)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":    userID,
		"consistent": len(violations) == 0,
		"violations": violations,
	})
}

type RepairRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// RepairBalance POST /api/v1/admin/repair
func (h *Handler) RepairBalance(c *gin.Context) {
	var req RepairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	adminID := currentUserID(c)
	proj, err := withRetry(ctx, h, func() (*service.Projection, error) {
		return h.svc.Guard.RepairBalance(ctx, req.UserID, adminID, req.Reason)
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, proj)
}

type AdjustRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// AdjustCredits POST /api/v1/admin/adjust
func (h *Handler) AdjustCredits(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	adminID := currentUserID(c)
	entry, err := withRetry(ctx, h, func() (*model.CreditTransaction, error) {
		return h.svc.Guard.AdjustCredits(ctx, adminID, req.UserID, req.Amount, req.Reason)
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, entry)
}

// OperationLogs GET /api/v1/admin/logs?user_id=xxx
func (h *Handler) OperationLogs(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	logs, err := h.svc.Guard.OperationLogs(c.Request.Context(), userID)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, logs)
}

func optionalInt64(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New(key + " 参数错误")
	}
	return v, nil
}

// SearchEntries GET /api/v1/admin/entries?user_id=&username=&email=&source=&min_amount=&max_amount=&start_time=&end_time=
func (h *Handler) SearchEntries(c *gin.Context) {
	entryFilter, err := parseEntryFilter(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	userID, err := optionalInt64(c, "user_id")
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	filter := repository.AdminEntryFilter{
		EntryFilter: entryFilter,
		UserID:      userID,
		Username:    c.Query("username"),
		Email:       c.Query("email"),
	}
	page, pageSize := pageParams(c)

	entries, total, err := h.svc.Guard.SearchEntries(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// AdminListOrders GET /api/v1/admin/orders?user_id=&user_search=&out_trade_no=&trade_no=&type=&status=
func (h *Handler) AdminListOrders(c *gin.Context) {
	userID, err := optionalInt64(c, "user_id")
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	filter := repository.AdminOrderFilter{
		UserID:     userID,
		UserSearch: c.Query("user_search"),
		OutTradeNo: c.Query("out_trade_no"),
		TradeNo:    c.Query("trade_no"),
		Channel:    c.Query("type"),
		Status:     strings.ToUpper(c.Query("status")),
	}
	page, pageSize := pageParams(c)

	orders, total, err := h.svc.Orders.AdminListOrders(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// OrderStatistics GET /api/v1/admin/orders/statistics
func (h *Handler) OrderStatistics(c *gin.Context) {
	stats, err := h.svc.Orders.Statistics(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, stats)
}
