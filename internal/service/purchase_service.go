package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"topupmall/internal/config"
	"topupmall/internal/gateway"
	"topupmall/internal/model"
	"topupmall/internal/repository"
	"topupmall/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductCatalog 商品目录边界，只读价格和上架状态
type ProductCatalog interface {
	Get(ctx context.Context, productID int64) (*model.Product, error)
}

// PurchaseStore 购买记录存储边界
type PurchaseStore interface {
	Create(ctx context.Context, record *model.PurchaseRecord) error
	GetByPurchaseNo(ctx context.Context, purchaseNo string) (*model.PurchaseRecord, error)
	GetByRequestID(ctx context.Context, requestID string) (*model.PurchaseRecord, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, purchaseNo string, fromStatus, toStatus string, extra *repository.StatusUpdate) error
	FinalizeWithOutbox(ctx context.Context, purchaseNo string, fromStatus, toStatus string, extra *repository.StatusUpdate, msg *model.OutboxMessage) error
	ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PurchaseRecord, int64, error)
	GetStuckProcessing(ctx context.Context, beforeTime time.Time, limit int) ([]*model.PurchaseRecord, error)
}

// PurchaseService 购买事务编排器
//
// 状态机：PENDING -> PROCESSING -> {COMPLETED | FAILED} -> [REFUNDED]
//
// 【关键点】先扣款后发货（悲观预留）：
// 发货网关不可信且可能很慢，钱包锁不能横跨网络调用，
// 因此扣款在锁内完成，发货在锁外执行；
// 发货失败或超时通过补偿退款把余额还原 —— 资金只会短暂停留在
// PROCESSING 的在途状态，可审计、有兜底，绝不静默丢失
type PurchaseService struct {
	guard     WalletGuard
	purchases PurchaseStore
	catalog   ProductCatalog
	fulfiller gateway.FulfillmentGateway
	cfg       *config.Config
}

func NewPurchaseService(guard WalletGuard, purchases PurchaseStore, catalog ProductCatalog, fulfiller gateway.FulfillmentGateway, cfg *config.Config) *PurchaseService {
	return &PurchaseService{
		guard:     guard,
		purchases: purchases,
		catalog:   catalog,
		fulfiller: fulfiller,
		cfg:       cfg,
	}
}

// PurchaseRequest 购买请求
type PurchaseRequest struct {
	RequestID     string            `json:"request_id"` // 幂等ID，客户端生成
	UserID        int64             `json:"user_id"`
	ProductID     int64             `json:"product_id"`
	Quantity      int               `json:"quantity"`
	FulfillParams map[string]string `json:"fulfill_params,omitempty"`
}

func purchaseDebitRef(purchaseNo string) string {
	return "PURCHASE:" + purchaseNo
}

func purchaseRefundRef(purchaseNo string) string {
	return "REFUND:" + purchaseNo
}

// Purchase 执行一次购买
//
// 业务失败（余额不足、钱包未开通）收敛为 FAILED 的购买记录返回，
// 基础设施失败（存储、并发冲突）作为整个操作的错误向上传播，
// 调用方拿到错误时结果未知，应通过查单/流水确认而不是自行假设
func (s *PurchaseService) Purchase(ctx context.Context, req *PurchaseRequest) (*model.PurchaseRecord, error) {
	if req.RequestID == "" {
		return nil, errors.New("request_id 不能为空")
	}
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	// 幂等校验：同一 request_id 直接返回已有记录
	existing, err := s.purchases.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询购买记录失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	product, err := s.catalog.Get(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrProductUnavailable
		}
		return nil, fmt.Errorf("查询商品失败: %w", err)
	}
	if !product.IsAvailable {
		return nil, ErrProductUnavailable
	}

	// 单价在此刻快照，目录后续改价不影响本单
	unitPrice := product.Price
	totalAmount := unitPrice.Mul(decimal.NewFromInt(int64(req.Quantity)))

	record := &model.PurchaseRecord{
		PurchaseNo:  idgen.GeneratePurchaseNo(),
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		UnitPrice:   unitPrice,
		TotalAmount: totalAmount,
		Status:      model.PurchaseStatusPending,
	}
	if err := s.purchases.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("创建购买记录失败: %w", err)
	}

	// 锁内扣款：校验余额、追加扣款流水、更新余额，同一本地事务
	result, err := s.guard.Mutate(ctx, req.UserID, func(w *model.Wallet) (*model.LedgerEntry, error) {
		if w.Balance.LessThan(totalAmount) {
			return nil, ErrInsufficientFunds
		}
		return &model.LedgerEntry{
			Kind:              model.EntryKindPurchaseDeduction,
			Amount:            totalAmount.Neg(),
			ExternalRef:       model.ExternalRefOf(purchaseDebitRef(record.PurchaseNo)),
			RelatedPurchaseNo: record.PurchaseNo,
			Description:       fmt.Sprintf("购买扣款-%s-x%d", product.Name, req.Quantity),
		}, nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrWalletNotFound) {
			// 业务拒绝：未写任何流水，购买单直接置为失败
			return s.rejectPending(ctx, record, err.Error())
		}
		return nil, err
	}

	// 扣款已提交，钱包锁已释放，之后的发货调用不阻塞该钱包的其他操作
	if err := s.purchases.UpdateStatus(ctx, nil, record.PurchaseNo, model.PurchaseStatusPending, model.PurchaseStatusProcessing,
		&repository.StatusUpdate{LedgerEntryNo: result.Entry.EntryNo}); err != nil {
		return nil, fmt.Errorf("更新购买单状态失败: %w", err)
	}
	record.Status = model.PurchaseStatusProcessing
	record.LedgerEntryNo = result.Entry.EntryNo

	deliverErr := s.deliver(ctx, record, req.FulfillParams)
	if deliverErr != nil {
		log.Printf("[PurchaseService] 发货失败，进入补偿: purchaseNo=%s err=%v", record.PurchaseNo, deliverErr)
		return s.failAndCompensate(ctx, record, deliverErr.Error())
	}

	if err := s.finalize(ctx, record, model.PurchaseStatusProcessing, model.PurchaseStatusCompleted,
		&repository.StatusUpdate{FulfillmentStatus: model.FulfillmentStatusSuccess}); err != nil {
		return nil, err
	}

	log.Printf("[PurchaseService] 购买完成: purchaseNo=%s userID=%d amount=%s",
		record.PurchaseNo, record.UserID, record.TotalAmount.String())

	return record, nil
}

// deliver 锁外调用外部发货网关，超时按失败处理
func (s *PurchaseService) deliver(ctx context.Context, record *model.PurchaseRecord, params map[string]string) error {
	timeout := time.Duration(s.cfg.Fulfillment.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deliverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.fulfiller.Deliver(deliverCtx, &gateway.DeliverRequest{
		PurchaseNo: record.PurchaseNo,
		ProductID:  record.ProductID,
		Quantity:   record.Quantity,
		Params:     params,
	})
}

// rejectPending 业务拒绝：无流水可补偿，购买单 PENDING -> FAILED
func (s *PurchaseService) rejectPending(ctx context.Context, record *model.PurchaseRecord, reason string) (*model.PurchaseRecord, error) {
	if err := s.finalize(ctx, record, model.PurchaseStatusPending, model.PurchaseStatusFailed,
		&repository.StatusUpdate{StatusMessage: reason}); err != nil {
		return nil, err
	}
	log.Printf("[PurchaseService] 购买被拒绝: purchaseNo=%s reason=%s", record.PurchaseNo, reason)
	return record, nil
}

// failAndCompensate 发货失败路径：先补偿退款，再把购买单置为 FAILED
//
// 【关键点】补偿顺序：退款流水在前，状态落库在后 ——
// 两步之间崩溃时购买单停留在 PROCESSING，对账任务会发现退款流水已存在，
// 只需补状态；反过来的顺序会留下"已失败但没退钱"的不可发现缺口。
// 退款流水以 REFUND:<purchase_no> 作幂等参考号，重复执行至多生效一次。
func (s *PurchaseService) failAndCompensate(ctx context.Context, record *model.PurchaseRecord, reason string) (*model.PurchaseRecord, error) {
	if err := s.compensate(ctx, record); err != nil {
		// 补偿写入失败是对账事件：大声记录，不在线内无限重试
		log.Printf("[PurchaseService] 【对账告警】补偿退款写入失败: purchaseNo=%s userID=%d amount=%s err=%v",
			record.PurchaseNo, record.UserID, record.TotalAmount.String(), err)
		return nil, fmt.Errorf("补偿退款失败: %w", err)
	}

	if err := s.finalize(ctx, record, model.PurchaseStatusProcessing, model.PurchaseStatusFailed,
		&repository.StatusUpdate{FulfillmentStatus: model.FulfillmentStatusFailed, StatusMessage: reason}); err != nil {
		return nil, err
	}

	log.Printf("[PurchaseService] 购买失败已补偿: purchaseNo=%s amount=%s", record.PurchaseNo, record.TotalAmount.String())
	return record, nil
}

// compensate 补偿退款：把扣掉的金额原数退回钱包
func (s *PurchaseService) compensate(ctx context.Context, record *model.PurchaseRecord) error {
	result, err := s.guard.Mutate(ctx, record.UserID, func(w *model.Wallet) (*model.LedgerEntry, error) {
		return &model.LedgerEntry{
			Kind:              model.EntryKindRefundCredit,
			Amount:            record.TotalAmount,
			ExternalRef:       model.ExternalRefOf(purchaseRefundRef(record.PurchaseNo)),
			RelatedPurchaseNo: record.PurchaseNo,
			Description:       fmt.Sprintf("退款-%s", record.PurchaseNo),
		}, nil
	})
	if err != nil {
		return err
	}
	if result.AlreadyApplied {
		log.Printf("[PurchaseService] 补偿退款已存在，跳过: purchaseNo=%s", record.PurchaseNo)
	}
	return nil
}

// finalize 状态迁移与结果事件同事务落库，并同步更新内存副本
func (s *PurchaseService) finalize(ctx context.Context, record *model.PurchaseRecord, fromStatus, toStatus string, extra *repository.StatusUpdate) error {
	msg := s.buildResultMessage(record, toStatus, extra)
	if err := s.purchases.FinalizeWithOutbox(ctx, record.PurchaseNo, fromStatus, toStatus, extra, msg); err != nil {
		return fmt.Errorf("更新购买单状态失败: %w", err)
	}
	record.Status = toStatus
	if extra != nil {
		if extra.FulfillmentStatus != "" {
			record.FulfillmentStatus = extra.FulfillmentStatus
		}
		if extra.StatusMessage != "" {
			record.StatusMessage = extra.StatusMessage
		}
		if extra.LedgerEntryNo != "" {
			record.LedgerEntryNo = extra.LedgerEntryNo
		}
	}
	return nil
}

func (s *PurchaseService) buildResultMessage(record *model.PurchaseRecord, status string, extra *repository.StatusUpdate) *model.OutboxMessage {
	message := ""
	if extra != nil {
		message = extra.StatusMessage
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"purchase_no":  record.PurchaseNo,
		"user_id":      record.UserID,
		"product_id":   record.ProductID,
		"quantity":     record.Quantity,
		"total_amount": record.TotalAmount.String(),
		"status":       status,
		"message":      message,
		"finished_at":  time.Now().Format(time.RFC3339),
	})
	return &model.OutboxMessage{
		MessageKey: record.PurchaseNo,
		Topic:      s.cfg.Kafka.Topic.PurchaseResult,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
}

// Refund 主动退款（仅允许 COMPLETED 的购买单）
// 与补偿路径共用 REFUND:<purchase_no> 幂等参考号，两条路径合计至多退一次
func (s *PurchaseService) Refund(ctx context.Context, purchaseNo, reason string) (*model.PurchaseRecord, error) {
	record, err := s.purchases.GetByPurchaseNo(ctx, purchaseNo)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}

	if record.Status == model.PurchaseStatusRefunded {
		return record, nil
	}
	if record.Status != model.PurchaseStatusCompleted {
		return nil, ErrPurchaseNotRefundable
	}

	if err := s.compensate(ctx, record); err != nil {
		log.Printf("[PurchaseService] 【对账告警】退款写入失败: purchaseNo=%s err=%v", purchaseNo, err)
		return nil, fmt.Errorf("退款失败: %w", err)
	}

	extra := &repository.StatusUpdate{StatusMessage: fmt.Sprintf("退款-%s", reason)}
	if err := s.finalize(ctx, record, model.PurchaseStatusCompleted, model.PurchaseStatusRefunded, extra); err != nil {
		return nil, err
	}

	log.Printf("[PurchaseService] 退款成功: purchaseNo=%s amount=%s", purchaseNo, record.TotalAmount.String())
	return record, nil
}

// ResolveStuck 兜底处理长时间停留在 PROCESSING 的购买单
// 发货结果未知按失败对待：补偿退款（幂等）后置为 FAILED
func (s *PurchaseService) ResolveStuck(ctx context.Context, record *model.PurchaseRecord) error {
	_, err := s.failAndCompensate(ctx, record, "发货结果超时未知，已退款")
	return err
}

func (s *PurchaseService) GetPurchase(ctx context.Context, purchaseNo string) (*model.PurchaseRecord, error) {
	record, err := s.purchases.GetByPurchaseNo(ctx, purchaseNo)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return record, nil
}

func (s *PurchaseService) ListUserPurchases(ctx context.Context, userID int64, page, pageSize int) ([]*model.PurchaseRecord, int64, error) {
	return s.purchases.ListByUserID(ctx, userID, page, pageSize)
}
