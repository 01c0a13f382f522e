package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"topupmall/internal/config"
	"topupmall/internal/model"
	"topupmall/internal/repository"

	"github.com/shopspring/decimal"
)

// UserDirectory 用户目录边界：webhook 只携带 username，需要解析成 user_id
type UserDirectory interface {
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}

// CreditService 充值入账处理器
// 消费支付网关的成功回调，按 external_payment_ref 幂等入账
//
// 【关键点】网关是至少一次投递：
// 1. 重复回调是成功空操作，不是错误 —— 回调通道必须始终能 ACK
// 2. 同一参考号并发重复投递由钱包锁 + 唯一索引双重兜底
// 3. 这里绝不静默创建钱包，钱包开通是用户侧协作方的职责
type CreditService struct {
	guard      WalletGuard
	users      UserDirectory
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
}

func NewCreditService(guard WalletGuard, users UserDirectory, outboxRepo *repository.OutboxRepository, cfg *config.Config) *CreditService {
	return &CreditService{
		guard:      guard,
		users:      users,
		outboxRepo: outboxRepo,
		cfg:        cfg,
	}
}

// CreditRequest 网关成功回调载荷
type CreditRequest struct {
	ExternalPaymentRef string          `json:"external_payment_ref"`
	Username           string          `json:"username"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Description        string          `json:"description"`
}

// CreditResult 入账结果
type CreditResult struct {
	Applied    bool            `json:"applied"` // false 表示幂等命中，本次未变更
	EntryNo    string          `json:"entry_no,omitempty"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// Credit 按参考号幂等入账
func (s *CreditService) Credit(ctx context.Context, req *CreditRequest) (*CreditResult, error) {
	if req.ExternalPaymentRef == "" {
		return nil, ErrMissingExternalRef
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	user, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	result, err := s.guard.Mutate(ctx, user.ID, func(w *model.Wallet) (*model.LedgerEntry, error) {
		if req.Currency != "" && req.Currency != w.Currency {
			return nil, ErrCurrencyMismatch
		}
		return &model.LedgerEntry{
			Kind:        model.EntryKindDeposit,
			Amount:      req.Amount,
			ExternalRef: model.ExternalRefOf(req.ExternalPaymentRef),
			Description: req.Description,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	out := &CreditResult{
		Applied:    !result.AlreadyApplied,
		NewBalance: result.Wallet.Balance,
	}
	if result.Entry != nil {
		out.EntryNo = result.Entry.EntryNo
	}

	if result.AlreadyApplied {
		log.Printf("[CreditService] 重复回调已忽略: username=%s ref=%s", req.Username, req.ExternalPaymentRef)
		return out, nil
	}

	log.Printf("[CreditService] 充值入账成功: username=%s ref=%s amount=%s balance=%s",
		req.Username, req.ExternalPaymentRef, req.Amount.String(), result.Wallet.Balance.String())

	s.publishTopupEvent(ctx, user.ID, req, result)

	return out, nil
}

// publishTopupEvent 充值事件写入发件箱（尽力而为，失败只记日志不影响入账结果）
func (s *CreditService) publishTopupEvent(ctx context.Context, userID int64, req *CreditRequest, result *MutationResult) {
	if s.outboxRepo == nil {
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":              userID,
		"username":             req.Username,
		"external_payment_ref": req.ExternalPaymentRef,
		"amount":               req.Amount.String(),
		"entry_no":             result.Entry.EntryNo,
		"credited_at":          time.Now().Format(time.RFC3339),
	})

	msg := &model.OutboxMessage{
		MessageKey: req.ExternalPaymentRef,
		Topic:      s.cfg.Kafka.Topic.TopupResult,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[CreditService] 写入充值事件失败: ref=%s err=%v", req.ExternalPaymentRef, err)
	}
}
