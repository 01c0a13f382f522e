package job

import (
	"context"
	"log"
	"time"

	"topupmall/internal/config"
	"topupmall/internal/model"
	"topupmall/internal/repository"
	"topupmall/internal/service"

	"gorm.io/gorm"
)

// PurchaseReconcileJob 购买单对账任务
//
// 兜底两类窗口：
// 1. 扣款后服务崩溃或发货结果丢失，购买单长期停留在 PROCESSING ——
//    按失败处理：补偿退款（幂等，REFUND:<purchase_no> 参考号）后置为 FAILED
// 2. 补偿退款已写入但状态未落库 —— 重新执行同一条补偿路径即可补齐状态
type PurchaseReconcileJob struct {
	db           *gorm.DB
	purchaseRepo *repository.PurchaseRepository
	resolver     StuckPurchaseResolver
	cfg          *config.Config
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

// StuckPurchaseResolver 兜底处理单条卡住的购买单
type StuckPurchaseResolver interface {
	ResolveStuck(ctx context.Context, record *model.PurchaseRecord) error
}

var _ StuckPurchaseResolver = (*service.PurchaseService)(nil)

func NewPurchaseReconcileJob(db *gorm.DB, resolver StuckPurchaseResolver, cfg *config.Config) *PurchaseReconcileJob {
	return &PurchaseReconcileJob{
		db:           db,
		purchaseRepo: repository.NewPurchaseRepository(db),
		resolver:     resolver,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		interval:     30 * time.Second,
		batchSize:    50,
	}
}

func (j *PurchaseReconcileJob) Start(ctx context.Context) {
	log.Println("[PurchaseReconcileJob] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PurchaseReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[PurchaseReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.resolveStuckPurchases(ctx)
		}
	}
}

func (j *PurchaseReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *PurchaseReconcileJob) resolveStuckPurchases(ctx context.Context) {
	stuckMinutes := j.cfg.Business.StuckProcessingMinutes
	if stuckMinutes <= 0 {
		stuckMinutes = 5
	}
	beforeTime := time.Now().Add(-time.Duration(stuckMinutes) * time.Minute)

	records, err := j.purchaseRepo.GetStuckProcessing(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[PurchaseReconcileJob] 查询卡单失败: %v", err)
		return
	}

	if len(records) == 0 {
		return
	}

	log.Printf("[PurchaseReconcileJob] 发现 %d 个需要兜底的购买单", len(records))

	for _, record := range records {
		if err := j.resolver.ResolveStuck(ctx, record); err != nil {
			log.Printf("[PurchaseReconcileJob] 兜底处理失败: purchaseNo=%s err=%v", record.PurchaseNo, err)
			continue
		}
		log.Printf("[PurchaseReconcileJob] 卡单已兜底: purchaseNo=%s userID=%d amount=%s",
			record.PurchaseNo, record.UserID, record.TotalAmount.String())
	}
}
