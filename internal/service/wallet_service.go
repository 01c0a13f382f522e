package service

import (
	"context"
	"errors"
	"fmt"

	"topupmall/internal/config"
	"topupmall/internal/model"
	"topupmall/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WalletService 钱包查询与开通
// 资金入口只有充值回调（CreditService），这里不提供任何直接改余额的接口
type WalletService struct {
	walletRepo *repository.WalletRepository
	ledgerRepo *repository.LedgerRepository
	userRepo   *repository.UserRepository
	cfg        *config.Config
}

func NewWalletService(db *gorm.DB, cfg *config.Config) *WalletService {
	return &WalletService{
		walletRepo: repository.NewWalletRepository(db),
		ledgerRepo: repository.NewLedgerRepository(db),
		userRepo:   repository.NewUserRepository(db),
		cfg:        cfg,
	}
}

// Provision 开通钱包（懒创建，幂等）
func (s *WalletService) Provision(ctx context.Context, userID int64) (*model.Wallet, error) {
	currency := s.cfg.Business.DefaultCurrency
	if currency == "" {
		currency = "CNY"
	}
	return s.walletRepo.GetOrCreate(ctx, userID, currency)
}

func (s *WalletService) GetWalletByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return wallet, nil
}

func (s *WalletService) GetWalletByUsername(ctx context.Context, username string) (*model.Wallet, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return s.GetWalletByUserID(ctx, user.ID)
}

// LedgerHistory 按追加顺序分页读取流水
func (s *WalletService) LedgerHistory(ctx context.Context, walletID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.ledgerRepo.ListByWalletID(ctx, walletID, page, pageSize)
}

// VerifyConsistency 对账校验：缓存余额必须等于流水求和
// 不一致说明有绕过守卫的写入或存储层故障，返回差额供告警
func (s *WalletService) VerifyConsistency(ctx context.Context, walletID int64) (decimal.Decimal, error) {
	wallet, err := s.walletRepo.GetByWalletID(ctx, walletID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return decimal.Zero, ErrWalletNotFound
		}
		return decimal.Zero, err
	}

	sum, err := s.ledgerRepo.SumByWalletID(ctx, walletID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("流水求和失败: %w", err)
	}

	return wallet.Balance.Sub(sum), nil
}
