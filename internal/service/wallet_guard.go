package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"topupmall/internal/config"
	"topupmall/internal/infrastructure/lock"
	"topupmall/internal/model"
	"topupmall/internal/repository"
	"topupmall/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ============================================================================
// 钱包守卫：所有余额变更的唯一入口
// ============================================================================
//
// 【关键点】资金变更必须同时满足：
// 1. 同一钱包的变更串行（Redis 钱包锁在外，SELECT FOR UPDATE 行锁在内）
// 2. 余额更新与流水追加在同一个本地事务内，整体成功或整体回滚
// 3. 带 external_ref 的变更按参考号幂等：事务内先查，唯一索引兜底并发重复
// 4. 锁内不做任何网络调用，外部发货在锁外执行
//
// ============================================================================

// MutationFunc 在钱包锁内执行，决定本次资金变动并产出一条流水
// 返回的流水 Amount 为带符号金额（入账为正，出账为负）
// 返回业务错误（如 ErrInsufficientFunds）时整个事务回滚且不重试
type MutationFunc func(w *model.Wallet) (*model.LedgerEntry, error)

// MutationResult 一次受保护变更的结果
type MutationResult struct {
	Wallet         *model.Wallet      // 变更后的钱包
	Entry          *model.LedgerEntry // 本次写入（或幂等命中的已有）流水
	AlreadyApplied bool               // true 表示幂等命中，本次未做任何变更
}

// WalletGuard 钱包守卫接口
type WalletGuard interface {
	// Mutate 在钱包锁和本地事务内执行 fn 产出的资金变更
	Mutate(ctx context.Context, userID int64, fn MutationFunc) (*MutationResult, error)
}

// errAlreadyApplied 事务内幂等命中的内部信号，借助它让 gorm 回滚空事务
var errAlreadyApplied = errors.New("entry already applied")

type walletGuard struct {
	db          *gorm.DB
	redisClient *redis.Client
	walletRepo  *repository.WalletRepository
	ledgerRepo  *repository.LedgerRepository
	retryCount  int
}

func NewWalletGuard(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) WalletGuard {
	retry := cfg.Business.TxRetryCount
	if retry <= 0 {
		retry = 3
	}
	return &walletGuard{
		db:          db,
		redisClient: redisClient,
		walletRepo:  repository.NewWalletRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		retryCount:  retry,
	}
}

func (g *walletGuard) Mutate(ctx context.Context, userID int64, fn MutationFunc) (*MutationResult, error) {
	wallet, err := g.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("查询钱包失败: %w", err)
	}

	walletLock := lock.NewWalletLock(g.redisClient, wallet.ID, idgen.GenerateLockHolder())
	if err := walletLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	defer walletLock.Unlock(ctx)

	// 乐观锁冲突来自不经过本守卫的写入方（如人工修数），有限重试后放弃
	var lastErr error
	for attempt := 0; attempt < g.retryCount; attempt++ {
		result, err := g.mutateOnce(ctx, userID, fn)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, repository.ErrOptimisticLock) {
			lastErr = err
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, lastErr)
}

func (g *walletGuard) mutateOnce(ctx context.Context, userID int64, fn MutationFunc) (*MutationResult, error) {
	result := &MutationResult{}

	err := g.db.Transaction(func(tx *gorm.DB) error {
		wallet, err := g.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrWalletNotFound) {
				return ErrWalletNotFound
			}
			return fmt.Errorf("锁定钱包失败: %w", err)
		}

		entry, err := fn(wallet)
		if err != nil {
			return err
		}

		// 事务内幂等检查：同一参考号已入账则放弃本次变更
		if entry.ExternalRef != nil {
			existing, err := g.ledgerRepo.FindByExternalRef(ctx, tx, wallet.ID, *entry.ExternalRef)
			if err != nil {
				return fmt.Errorf("幂等检查失败: %w", err)
			}
			if existing != nil {
				result.Wallet = wallet
				result.Entry = existing
				result.AlreadyApplied = true
				return errAlreadyApplied
			}
		}

		entry.WalletID = wallet.ID
		if entry.EntryNo == "" {
			entry.EntryNo = idgen.GenerateEntryNo()
		}

		if err := g.ledgerRepo.Create(ctx, tx, entry); err != nil {
			if errors.Is(err, repository.ErrDuplicateEntry) {
				// 并发重复插入被唯一索引拦下，按"已入账"处理而非报错
				return errAlreadyApplied
			}
			return fmt.Errorf("记录流水失败: %w", err)
		}

		if err := g.walletRepo.ApplyDelta(ctx, tx, wallet.ID, entry.Amount, wallet.Version); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				return ErrInsufficientFunds
			}
			return err
		}

		wallet.Balance = wallet.Balance.Add(entry.Amount)
		wallet.Version++
		result.Wallet = wallet
		result.Entry = entry
		return nil
	})

	if err != nil {
		if errors.Is(err, errAlreadyApplied) {
			if result.Entry == nil {
				// 唯一索引兜底命中：事务已回滚，锁外重读已入账的流水
				return g.reloadApplied(ctx, userID, fn)
			}
			return result, nil
		}
		return nil, err
	}

	return result, nil
}

// reloadApplied 唯一索引拦截后重建幂等结果
func (g *walletGuard) reloadApplied(ctx context.Context, userID int64, fn MutationFunc) (*MutationResult, error) {
	wallet, err := g.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	entry, err := fn(wallet)
	if err != nil || entry.ExternalRef == nil {
		return &MutationResult{Wallet: wallet, AlreadyApplied: true}, nil
	}

	existing, err := g.ledgerRepo.FindByExternalRef(ctx, nil, wallet.ID, *entry.ExternalRef)
	if err != nil {
		return nil, err
	}
	return &MutationResult{Wallet: wallet, Entry: existing, AlreadyApplied: true}, nil
}
