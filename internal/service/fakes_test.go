package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"topupmall/internal/config"
	"topupmall/internal/gateway"
	"topupmall/internal/model"
	"topupmall/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 内存实现的测试替身
// 语义对齐真实存储：余额变更与流水追加原子、唯一参考号幂等、状态机 CAS
// ============================================================================

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Business.DefaultCurrency = "CNY"
	cfg.Business.TxRetryCount = 3
	cfg.Fulfillment.TimeoutSeconds = 1
	cfg.Kafka.Topic.PurchaseResult = "test.purchase.result"
	cfg.Kafka.Topic.TopupResult = "test.topup.result"
	return cfg
}

// memGuard 内存版钱包守卫：map 级互斥 + 每钱包串行 + 参考号去重
type memGuard struct {
	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	wallets map[int64]*model.Wallet // key: userID
	entries []*model.LedgerEntry
	byRef   map[string]*model.LedgerEntry // key: walletID:ref
	nextID  int64
}

func newMemGuard() *memGuard {
	return &memGuard{
		locks:   make(map[int64]*sync.Mutex),
		wallets: make(map[int64]*model.Wallet),
		byRef:   make(map[string]*model.LedgerEntry),
	}
}

func (g *memGuard) addWallet(userID int64, balance string) *model.Wallet {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	w := &model.Wallet{
		ID:       g.nextID,
		UserID:   userID,
		Balance:  decimal.RequireFromString(balance),
		Currency: "CNY",
	}
	g.wallets[userID] = w
	g.locks[userID] = &sync.Mutex{}
	return w
}

func refKey(walletID int64, ref string) string {
	return fmt.Sprintf("%d:%s", walletID, ref)
}

func (g *memGuard) Mutate(ctx context.Context, userID int64, fn MutationFunc) (*MutationResult, error) {
	g.mu.Lock()
	wallet, ok := g.wallets[userID]
	if !ok {
		g.mu.Unlock()
		return nil, ErrWalletNotFound
	}
	walletLock := g.locks[userID]
	g.mu.Unlock()

	walletLock.Lock()
	defer walletLock.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	snapshot := *wallet
	entry, err := fn(&snapshot)
	if err != nil {
		return nil, err
	}

	if entry.ExternalRef != nil {
		if existing, ok := g.byRef[refKey(wallet.ID, *entry.ExternalRef)]; ok {
			return &MutationResult{Wallet: wallet, Entry: existing, AlreadyApplied: true}, nil
		}
	}

	newBalance := wallet.Balance.Add(entry.Amount)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	g.nextID++
	entry.ID = g.nextID
	entry.WalletID = wallet.ID
	if entry.EntryNo == "" {
		entry.EntryNo = fmt.Sprintf("LED%08d", g.nextID)
	}
	entry.CreatedAt = time.Now()

	wallet.Balance = newBalance
	wallet.Version++
	g.entries = append(g.entries, entry)
	if entry.ExternalRef != nil {
		g.byRef[refKey(wallet.ID, *entry.ExternalRef)] = entry
	}

	return &MutationResult{Wallet: wallet, Entry: entry}, nil
}

func (g *memGuard) balanceOf(userID int64) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wallets[userID].Balance
}

func (g *memGuard) entriesOf(userID int64) []*model.LedgerEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.wallets[userID]
	var out []*model.LedgerEntry
	for _, e := range g.entries {
		if e.WalletID == w.ID {
			out = append(out, e)
		}
	}
	return out
}

// sumOf 流水求和，用于校验 balance == sum(amount) 不变式
func (g *memGuard) sumOf(userID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range g.entriesOf(userID) {
		sum = sum.Add(e.Amount)
	}
	return sum
}

// memPurchaseStore 内存版购买记录存储，状态迁移走与真实仓储相同的 CAS 校验
type memPurchaseStore struct {
	mu          sync.Mutex
	byNo        map[string]*model.PurchaseRecord
	byRequestID map[string]*model.PurchaseRecord
	outbox      []*model.OutboxMessage
	nextID      int64
}

func newMemPurchaseStore() *memPurchaseStore {
	return &memPurchaseStore{
		byNo:        make(map[string]*model.PurchaseRecord),
		byRequestID: make(map[string]*model.PurchaseRecord),
	}
}

func (s *memPurchaseStore) Create(ctx context.Context, record *model.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRequestID[record.RequestID]; ok {
		return fmt.Errorf("request_id 重复: %s", record.RequestID)
	}
	s.nextID++
	record.ID = s.nextID
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt
	clone := *record
	s.byNo[record.PurchaseNo] = &clone
	s.byRequestID[record.RequestID] = &clone
	return nil
}

func (s *memPurchaseStore) GetByPurchaseNo(ctx context.Context, purchaseNo string) (*model.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byNo[purchaseNo]
	if !ok {
		return nil, repository.ErrPurchaseNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *memPurchaseStore) GetByRequestID(ctx context.Context, requestID string) (*model.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byRequestID[requestID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *memPurchaseStore) UpdateStatus(ctx context.Context, tx *gorm.DB, purchaseNo string, fromStatus, toStatus string, extra *repository.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(purchaseNo, fromStatus, toStatus, extra)
}

func (s *memPurchaseStore) updateStatusLocked(purchaseNo string, fromStatus, toStatus string, extra *repository.StatusUpdate) error {
	record, ok := s.byNo[purchaseNo]
	if !ok {
		return repository.ErrPurchaseNotFound
	}
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return repository.ErrPurchaseStatusInvalid
	}
	if record.Status != fromStatus {
		return repository.ErrPurchaseStatusInvalid
	}
	record.Status = toStatus
	record.UpdatedAt = time.Now()
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

func (s *memPurchaseStore) FinalizeWithOutbox(ctx context.Context, purchaseNo string, fromStatus, toStatus string, extra *repository.StatusUpdate, msg *model.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateStatusLocked(purchaseNo, fromStatus, toStatus, extra); err != nil {
		return err
	}
	if msg != nil {
		s.outbox = append(s.outbox, msg)
	}
	return nil
}

func (s *memPurchaseStore) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PurchaseRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PurchaseRecord
	for _, record := range s.byNo {
		if record.UserID == userID {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memPurchaseStore) GetStuckProcessing(ctx context.Context, beforeTime time.Time, limit int) ([]*model.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PurchaseRecord
	for _, record := range s.byNo {
		if record.Status == model.PurchaseStatusProcessing && record.UpdatedAt.Before(beforeTime) {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memPurchaseStore) statusOf(purchaseNo string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byNo[purchaseNo].Status
}

// memCatalog 内存版商品目录
type memCatalog struct {
	mu       sync.Mutex
	products map[int64]*model.Product
}

func newMemCatalog() *memCatalog {
	return &memCatalog{products: make(map[int64]*model.Product)}
}

func (c *memCatalog) add(id int64, name, price string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[id] = &model.Product{
		ID:          id,
		Name:        name,
		Price:       decimal.RequireFromString(price),
		IsAvailable: available,
	}
}

// setPrice 模拟目录侧改价，用于验证单价快照
func (c *memCatalog) setPrice(id int64, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[id].Price = decimal.RequireFromString(price)
}

func (c *memCatalog) Get(ctx context.Context, productID int64) (*model.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	clone := *p
	return &clone, nil
}

// memDirectory 内存版用户目录
type memDirectory struct {
	users map[string]*model.User
}

func newMemDirectory(users ...*model.User) *memDirectory {
	d := &memDirectory{users: make(map[string]*model.User)}
	for _, u := range users {
		d.users[u.Username] = u
	}
	return d
}

func (d *memDirectory) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	u, ok := d.users[username]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

// fakeGateway 可编程的发货网关替身
type fakeGateway struct {
	mu    sync.Mutex
	err   error
	calls []*gateway.DeliverRequest
	block time.Duration // 模拟慢网关
}

func (f *fakeGateway) Deliver(ctx context.Context, req *gateway.DeliverRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.block > 0 {
		select {
		case <-ctx.Done():
			return gateway.ErrDeliverTimeout
		case <-time.After(f.block):
		}
	}
	return f.err
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
