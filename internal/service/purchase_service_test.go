package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"topupmall/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type purchaseFixture struct {
	svc     *PurchaseService
	guard   *memGuard
	store   *memPurchaseStore
	catalog *memCatalog
	gw      *fakeGateway
}

func newPurchaseFixture(t *testing.T) *purchaseFixture {
	t.Helper()
	f := &purchaseFixture{
		guard:   newMemGuard(),
		store:   newMemPurchaseStore(),
		catalog: newMemCatalog(),
		gw:      &fakeGateway{},
	}
	f.catalog.add(1, "100元话费", "40.00", true)
	f.catalog.add(2, "下架商品", "10.00", false)
	f.svc = NewPurchaseService(f.guard, f.store, f.catalog, f.gw, testConfig())
	return f
}

// 余额 50.00，购买 2 件单价 20.00 的商品：扣 40.00，剩 10.00
func TestPurchase_Success(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "50.00")
	f.catalog.add(4, "20元点卡", "20.00", true)

	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-1",
		UserID:    100,
		ProductID: 4,
		Quantity:  2,
	})
	require.NoError(t, err)

	assert.Equal(t, model.PurchaseStatusCompleted, record.Status)
	assert.Equal(t, model.FulfillmentStatusSuccess, record.FulfillmentStatus)
	assert.True(t, record.UnitPrice.Equal(decimal.RequireFromString("20.00")))
	assert.True(t, record.TotalAmount.Equal(decimal.RequireFromString("40.00")))
	assert.NotEmpty(t, record.LedgerEntryNo)

	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("10.00")))

	entries := f.guard.entriesOf(100)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryKindPurchaseDeduction, entries[0].Kind)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("-40.00")))
	assert.Equal(t, record.PurchaseNo, entries[0].RelatedPurchaseNo)

	assert.Equal(t, 1, f.gw.callCount())
	assert.True(t, f.guard.balanceOf(100).Equal(f.guard.sumOf(100).Add(decimal.RequireFromString("50.00"))))
}

// 发货失败：购买单 FAILED，扣款被等额退款流水抵消，余额还原
func TestPurchase_FulfillmentFailureCompensates(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "50.00")
	f.gw.err = errors.New("上游发货失败")

	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-2",
		UserID:    100,
		ProductID: 1,
		Quantity:  1,
	})
	require.NoError(t, err)

	assert.Equal(t, model.PurchaseStatusFailed, record.Status)
	assert.Equal(t, model.FulfillmentStatusFailed, record.FulfillmentStatus)

	// 余额还原到购买前
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("50.00")))

	// 流水不删除：扣款和退款各一条，净额为零
	entries := f.guard.entriesOf(100)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryKindPurchaseDeduction, entries[0].Kind)
	assert.Equal(t, model.EntryKindRefundCredit, entries[1].Kind)
	assert.True(t, f.guard.sumOf(100).IsZero())
}

// 发货超时按失败处理：超时退款，钱包锁不被慢网关拖住
func TestPurchase_FulfillmentTimeoutCompensates(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "50.00")
	f.gw.block = 3 * time.Second // 超过配置的 1 秒超时

	start := time.Now()
	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-3",
		UserID:    100,
		ProductID: 1,
		Quantity:  1,
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, model.PurchaseStatusFailed, record.Status)
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("50.00")))
}

// 余额不足：返回 FAILED 记录而不是错误，不产生任何流水
func TestPurchase_InsufficientFunds(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "30.00")

	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-4",
		UserID:    100,
		ProductID: 1,
		Quantity:  1,
	})
	require.NoError(t, err)

	assert.Equal(t, model.PurchaseStatusFailed, record.Status)
	assert.Empty(t, f.guard.entriesOf(100))
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("30.00")))
	assert.Equal(t, 0, f.gw.callCount(), "扣款失败不应触发发货")
}

func TestPurchase_WalletNotProvisioned(t *testing.T) {
	f := newPurchaseFixture(t)

	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-5",
		UserID:    999,
		ProductID: 1,
		Quantity:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseStatusFailed, record.Status)
}

func TestPurchase_ProductUnavailable(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "100.00")

	_, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-6",
		UserID:    100,
		ProductID: 2, // 已下架
		Quantity:  1,
	})
	assert.ErrorIs(t, err, ErrProductUnavailable)

	_, err = f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-7",
		UserID:    100,
		ProductID: 404,
		Quantity:  1,
	})
	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestPurchase_InvalidQuantity(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "100.00")

	_, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-8",
		UserID:    100,
		ProductID: 1,
		Quantity:  0,
	})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

// 单价快照：目录改价不影响已创建的购买单
func TestPurchase_PriceSnapshot(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "100.00")

	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-9",
		UserID:    100,
		ProductID: 1,
		Quantity:  2,
	})
	require.NoError(t, err)

	f.catalog.setPrice(1, "99.00")

	stored, err := f.svc.GetPurchase(context.Background(), record.PurchaseNo)
	require.NoError(t, err)
	assert.True(t, stored.UnitPrice.Equal(decimal.RequireFromString("40.00")))
	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("80.00")))
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("20.00")))
}

// 同一 request_id 重复提交：返回已有记录，不重复扣款
func TestPurchase_RequestIDDedupe(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "100.00")

	req := &PurchaseRequest{
		RequestID: "req-10",
		UserID:    100,
		ProductID: 1,
		Quantity:  1,
	}

	first, err := f.svc.Purchase(context.Background(), req)
	require.NoError(t, err)

	second, err := f.svc.Purchase(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.PurchaseNo, second.PurchaseNo)
	assert.Len(t, f.guard.entriesOf(100), 1)
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("60.00")))
}

// 防双花：余额 100，并发两笔 60 的购买，至多一笔成功
func TestPurchase_NoDoubleSpend(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "100.00")
	f.catalog.add(3, "60元充值卡", "60.00", true)

	var wg sync.WaitGroup
	records := make([]*model.PurchaseRecord, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = f.svc.Purchase(context.Background(), &PurchaseRequest{
				RequestID: []string{"req-11a", "req-11b"}[i],
				UserID:    100,
				ProductID: 3,
				Quantity:  1,
			})
		}(i)
	}
	wg.Wait()

	completed := 0
	failed := 0
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		switch records[i].Status {
		case model.PurchaseStatusCompleted:
			completed++
		case model.PurchaseStatusFailed:
			failed++
		}
	}

	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("40.00")))
	assert.False(t, f.guard.balanceOf(100).IsNegative(), "余额任何时候不允许为负")
}

func TestRefund_CompletedPurchase(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "50.00")

	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-12",
		UserID:    100,
		ProductID: 1,
		Quantity:  1,
	})
	require.NoError(t, err)
	require.Equal(t, model.PurchaseStatusCompleted, record.Status)

	refunded, err := f.svc.Refund(context.Background(), record.PurchaseNo, "用户申请")
	require.NoError(t, err)

	assert.Equal(t, model.PurchaseStatusRefunded, refunded.Status)
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("50.00")))

	// 重复退款是空操作
	again, err := f.svc.Refund(context.Background(), record.PurchaseNo, "再来一次")
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseStatusRefunded, again.Status)
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("50.00")))

	entries := f.guard.entriesOf(100)
	require.Len(t, entries, 2) // 一笔扣款一笔退款
	assert.True(t, f.guard.sumOf(100).IsZero())
}

// 失败的购买单不允许再走主动退款（补偿路径已经退过）
func TestRefund_FailedPurchaseRejected(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "50.00")
	f.gw.err = errors.New("上游发货失败")

	record, err := f.svc.Purchase(context.Background(), &PurchaseRequest{
		RequestID: "req-13",
		UserID:    100,
		ProductID: 1,
		Quantity:  1,
	})
	require.NoError(t, err)
	require.Equal(t, model.PurchaseStatusFailed, record.Status)

	_, err = f.svc.Refund(context.Background(), record.PurchaseNo, "再退一次")
	assert.ErrorIs(t, err, ErrPurchaseNotRefundable)

	// 就算绕过状态校验，共享的幂等参考号也保证至多退一次
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("50.00")))
}

func TestRefund_NotFound(t *testing.T) {
	f := newPurchaseFixture(t)

	_, err := f.svc.Refund(context.Background(), "PUR-missing", "")
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
}

// 对账兜底：卡在 PROCESSING 的购买单按失败处理，退款后置为 FAILED
func TestResolveStuck(t *testing.T) {
	f := newPurchaseFixture(t)
	wallet := f.guard.addWallet(100, "50.00")

	// 构造一个扣了款但发货结果未知的购买单
	record := &model.PurchaseRecord{
		PurchaseNo:  "PUR-stuck-1",
		RequestID:   "req-14",
		UserID:      100,
		ProductID:   1,
		Quantity:    1,
		UnitPrice:   decimal.RequireFromString("40.00"),
		TotalAmount: decimal.RequireFromString("40.00"),
		Status:      model.PurchaseStatusPending,
	}
	require.NoError(t, f.store.Create(context.Background(), record))

	_, err := f.guard.Mutate(context.Background(), 100, func(w *model.Wallet) (*model.LedgerEntry, error) {
		return &model.LedgerEntry{
			Kind:              model.EntryKindPurchaseDeduction,
			Amount:            record.TotalAmount.Neg(),
			ExternalRef:       model.ExternalRefOf("PURCHASE:" + record.PurchaseNo),
			RelatedPurchaseNo: record.PurchaseNo,
		}, nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStatus(context.Background(), nil, record.PurchaseNo,
		model.PurchaseStatusPending, model.PurchaseStatusProcessing, nil))
	record.Status = model.PurchaseStatusProcessing

	require.NoError(t, f.svc.ResolveStuck(context.Background(), record))

	assert.Equal(t, model.PurchaseStatusFailed, f.store.statusOf(record.PurchaseNo))
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("50.00")))
	assert.Equal(t, wallet.ID, f.guard.entriesOf(100)[0].WalletID)
	assert.Len(t, f.guard.entriesOf(100), 2)
}

// 崩溃恢复：退款流水已写入、状态还停在 PROCESSING 时重跑兜底，退款不会重复生效
func TestResolveStuck_RefundAlreadyWritten(t *testing.T) {
	f := newPurchaseFixture(t)
	f.guard.addWallet(100, "50.00")

	record := &model.PurchaseRecord{
		PurchaseNo:  "PUR-stuck-2",
		RequestID:   "req-15",
		UserID:      100,
		ProductID:   1,
		Quantity:    1,
		UnitPrice:   decimal.RequireFromString("40.00"),
		TotalAmount: decimal.RequireFromString("40.00"),
		Status:      model.PurchaseStatusPending,
	}
	require.NoError(t, f.store.Create(context.Background(), record))
	require.NoError(t, f.store.UpdateStatus(context.Background(), nil, record.PurchaseNo,
		model.PurchaseStatusPending, model.PurchaseStatusProcessing, nil))
	record.Status = model.PurchaseStatusProcessing

	// 扣款和退款流水都已存在，模拟补偿写完、状态落库前崩溃
	for _, e := range []*model.LedgerEntry{
		{
			Kind:        model.EntryKindPurchaseDeduction,
			Amount:      record.TotalAmount.Neg(),
			ExternalRef: model.ExternalRefOf("PURCHASE:" + record.PurchaseNo),
		},
		{
			Kind:        model.EntryKindRefundCredit,
			Amount:      record.TotalAmount,
			ExternalRef: model.ExternalRefOf("REFUND:" + record.PurchaseNo),
		},
	} {
		entry := e
		_, err := f.guard.Mutate(context.Background(), 100, func(w *model.Wallet) (*model.LedgerEntry, error) {
			return entry, nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.ResolveStuck(context.Background(), record))

	assert.Equal(t, model.PurchaseStatusFailed, f.store.statusOf(record.PurchaseNo))
	assert.Len(t, f.guard.entriesOf(100), 2, "不应产生第二笔退款")
	assert.True(t, f.guard.balanceOf(100).Equal(decimal.RequireFromString("50.00")))
}
