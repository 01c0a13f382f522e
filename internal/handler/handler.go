package handler

import (
	"errors"
	"strconv"

	"topupmall/internal/config"
	"topupmall/internal/gateway"
	"topupmall/internal/repository"
	"topupmall/internal/service"
	"topupmall/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	walletService   *service.WalletService
	creditService   *service.CreditService
	purchaseService *service.PurchaseService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	guard := service.NewWalletGuard(db, rdb, cfg)
	fulfiller := gateway.NewHTTPFulfillmentGateway(&cfg.Fulfillment)

	return &Handler{
		walletService: service.NewWalletService(db, cfg),
		creditService: service.NewCreditService(
			guard,
			repository.NewUserRepository(db),
			repository.NewOutboxRepository(db),
			cfg,
		),
		purchaseService: service.NewPurchaseService(
			guard,
			repository.NewPurchaseRepository(db),
			repository.NewProductRepository(db),
			fulfiller,
			cfg,
		),
	}
}

// businessCode 业务错误到响应码的映射，靠 errors.Is 分支而不是解析文案
func businessCode(err error) (int, bool) {
	switch {
	case errors.Is(err, service.ErrWalletNotFound):
		return response.CodeWalletNotFound, true
	case errors.Is(err, service.ErrUserNotFound):
		return response.CodeUserNotFound, true
	case errors.Is(err, service.ErrInsufficientFunds):
		return response.CodeInsufficientFunds, true
	case errors.Is(err, service.ErrProductUnavailable):
		return response.CodeProductUnavailable, true
	case errors.Is(err, service.ErrPurchaseNotFound):
		return response.CodePurchaseNotFound, true
	case errors.Is(err, service.ErrPurchaseNotRefundable):
		return response.CodePurchaseNotAllowed, true
	case errors.Is(err, service.ErrCurrencyMismatch):
		return response.CodeCurrencyMismatch, true
	case errors.Is(err, service.ErrConcurrencyConflict):
		return response.CodeConcurrencyConflict, true
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrMissingExternalRef):
		return response.CodeParamError, true
	}
	return 0, false
}

func renderError(c *gin.Context, err error) {
	if code, ok := businessCode(err); ok {
		response.BusinessError(c, code, err.Error())
		return
	}
	response.ServerError(c, err.Error())
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetBalance 查询余额
// GET /api/v1/wallet/balance?user_id=xxx 或 ?username=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()

	if username := c.Query("username"); username != "" {
		wallet, err := h.walletService.GetWalletByUsername(ctx, username)
		if err != nil {
			renderError(c, err)
			return
		}
		response.Success(c, gin.H{
			"wallet_id": wallet.ID,
			"user_id":   wallet.UserID,
			"balance":   wallet.Balance,
			"currency":  wallet.Currency,
		})
		return
	}

	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	wallet, err := h.walletService.GetWalletByUserID(ctx, userID)
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, gin.H{
		"wallet_id": wallet.ID,
		"user_id":   wallet.UserID,
		"balance":   wallet.Balance,
		"currency":  wallet.Currency,
	})
}

// ProvisionRequest 开通钱包请求
type ProvisionRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// ProvisionWallet 开通钱包（懒创建，幂等）
// POST /api/v1/wallet/provision
func (h *Handler) ProvisionWallet(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	wallet, err := h.walletService.Provision(c.Request.Context(), req.UserID)
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, wallet)
}

// GetLedgerHistory 查询流水（按追加顺序分页）
// GET /api/v1/wallet/ledger?wallet_id=xxx&page=1&page_size=20
func (h *Handler) GetLedgerHistory(c *gin.Context) {
	walletID, err := strconv.ParseInt(c.Query("wallet_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "wallet_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.walletService.LedgerHistory(c.Request.Context(), walletID, page, pageSize)
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

// VerifyWallet 对账校验：余额与流水求和的差额，非零即告警
// GET /api/v1/wallet/verify?wallet_id=xxx
func (h *Handler) VerifyWallet(c *gin.Context) {
	walletID, err := strconv.ParseInt(c.Query("wallet_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "wallet_id 参数错误")
		return
	}

	diff, err := h.walletService.VerifyConsistency(c.Request.Context(), walletID)
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, gin.H{
		"wallet_id":  walletID,
		"difference": diff,
		"consistent": diff.IsZero(),
	})
}

// ============================================================
// 充值回调接口
// ============================================================

// TopupNotifyRequest 支付网关成功回调载荷
type TopupNotifyRequest struct {
	ExternalPaymentRef string          `json:"external_payment_ref" binding:"required"`
	Username           string          `json:"username" binding:"required"`
	Amount             decimal.Decimal `json:"amount" binding:"required"`
	Currency           string          `json:"currency"`
	Description        string          `json:"description"`
}

// TopupNotify 充值到账回调
// POST /api/v1/wallet/topup/notify
//
// 【关键点】网关按至少一次投递回调：
// 重复回调返回成功（applied=false），让网关能正常 ACK 停止重投；
// 只有真正的失败（用户/钱包不存在、存储故障）才返回错误码
func (h *Handler) TopupNotify(c *gin.Context) {
	var req TopupNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.Credit(c.Request.Context(), &service.CreditRequest{
		ExternalPaymentRef: req.ExternalPaymentRef,
		Username:           req.Username,
		Amount:             req.Amount,
		Currency:           req.Currency,
		Description:        req.Description,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 购买相关接口
// ============================================================

// PurchaseExecuteRequest 购买请求
type PurchaseExecuteRequest struct {
	RequestID     string            `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	UserID        int64             `json:"user_id" binding:"required"`
	ProductID     int64             `json:"product_id" binding:"required"`
	Quantity      int               `json:"quantity" binding:"required,gt=0"`
	FulfillParams map[string]string `json:"fulfill_params"`
}

// ExecutePurchase 执行购买
// POST /api/v1/purchase/execute
//
// 返回的购买单状态即最终结果：COMPLETED 或 FAILED（失败时余额已还原）；
// 拿到服务器错误或并发冲突时结果未知，应通过查单接口确认
func (h *Handler) ExecutePurchase(c *gin.Context) {
	var req PurchaseExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.purchaseService.Purchase(c.Request.Context(), &service.PurchaseRequest{
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		FulfillParams: req.FulfillParams,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, record)
}

// GetPurchase 查询购买单详情
// GET /api/v1/purchase/detail?purchase_no=xxx
func (h *Handler) GetPurchase(c *gin.Context) {
	purchaseNo := c.Query("purchase_no")
	if purchaseNo == "" {
		response.ParamError(c, "purchase_no 参数不能为空")
		return
	}

	record, err := h.purchaseService.GetPurchase(c.Request.Context(), purchaseNo)
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, record)
}

// ListPurchases 查询用户购买单列表
// GET /api/v1/purchase/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListPurchases(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	records, total, err := h.purchaseService.ListUserPurchases(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// RefundPurchaseRequest 主动退款请求
type RefundPurchaseRequest struct {
	PurchaseNo string `json:"purchase_no" binding:"required"`
	Reason     string `json:"reason"`
}

// RefundPurchase 主动退款（仅 COMPLETED 的购买单）
// POST /api/v1/purchase/refund
func (h *Handler) RefundPurchase(c *gin.Context) {
	var req RefundPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.purchaseService.Refund(c.Request.Context(), req.PurchaseNo, req.Reason)
	if err != nil {
		renderError(c, err)
		return
	}

	response.Success(c, record)
}
