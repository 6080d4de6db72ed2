package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"app/internal/domain/model"
	"app/internal/payment"
	repo "app/internal/repository"
)

// テスト用のインメモリ永続層。
// fakeTxManagerがスナップショット/復元でロールバックを再現する。
type memStore struct {
	orders      map[int64]model.Order
	items       map[int64][]model.OrderItem
	products    map[int64]model.Product
	combos      map[int64][]model.Combination
	audits      []model.AuditLog
	nextOrderID int64
}

func newMemStore() *memStore {
	return &memStore{
		orders:      map[int64]model.Order{},
		items:       map[int64][]model.OrderItem{},
		products:    map[int64]model.Product{},
		combos:      map[int64][]model.Combination{},
		nextOrderID: 1,
	}
}

func (s *memStore) clone() *memStore {
	c := &memStore{
		orders:      make(map[int64]model.Order, len(s.orders)),
		items:       make(map[int64][]model.OrderItem, len(s.items)),
		products:    make(map[int64]model.Product, len(s.products)),
		combos:      make(map[int64][]model.Combination, len(s.combos)),
		audits:      append([]model.AuditLog(nil), s.audits...),
		nextOrderID: s.nextOrderID,
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]model.OrderItem(nil), v...)
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.combos {
		c.combos[k] = append([]model.Combination(nil), v...)
	}
	return c
}

func (s *memStore) addProduct(p model.Product) {
	s.products[p.ID] = p
}

func (s *memStore) addCombination(c model.Combination) {
	s.combos[c.ProductID] = append(s.combos[c.ProductID], c)
}

func (s *memStore) addOrder(o model.Order, items ...model.OrderItem) int64 {
	if o.ID == 0 {
		o.ID = s.nextOrderID
	}
	if o.ID >= s.nextOrderID {
		s.nextOrderID = o.ID + 1
	}
	s.orders[o.ID] = o
	for i := range items {
		items[i].OrderID = o.ID
	}
	s.items[o.ID] = append(s.items[o.ID], items...)
	return o.ID
}

type memOrders struct{ s *memStore }

func (r memOrders) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	o, ok := r.s.orders[orderID]
	if !ok {
		return model.Order{}, repo.ErrNotFound
	}
	return o, nil
}

func (r memOrders) FindByIDForUpdate(ctx context.Context, orderID int64) (model.Order, error) {
	return r.FindByID(ctx, orderID)
}

func (r memOrders) FindByProviderPaymentIDForUpdate(ctx context.Context, token string) (model.Order, error) {
	for _, o := range r.s.orders {
		if o.ProviderPaymentID != "" && o.ProviderPaymentID == token {
			return o, nil
		}
	}
	return model.Order{}, repo.ErrNotFound
}

func (r memOrders) Create(ctx context.Context, order model.Order) (int64, error) {
	for _, o := range r.s.orders {
		if o.IdempotencyKey == order.IdempotencyKey {
			return 0, fmt.Errorf("duplicate idempotency key")
		}
	}
	order.ID = r.s.nextOrderID
	r.s.nextOrderID++
	r.s.orders[order.ID] = order
	return order.ID, nil
}

func (r memOrders) FindByIdempotencyKey(ctx context.Context, userID int64, key string) (model.Order, bool, error) {
	for _, o := range r.s.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return o, true, nil
		}
	}
	return model.Order{}, false, nil
}

// 本実装と同じく、pending_paymentの行にしか書かない（0行はErrNotFound）。
func (r memOrders) SetPaymentInit(ctx context.Context, orderID int64, providerPaymentID string) error {
	o, ok := r.s.orders[orderID]
	if !ok || o.PaymentStatus != model.PaymentStatusPendingPayment {
		return repo.ErrNotFound
	}
	o.ProviderPaymentID = providerPaymentID
	r.s.orders[orderID] = o
	return nil
}

func (r memOrders) MarkPaid(ctx context.Context, orderID int64, paidAt time.Time) error {
	o, ok := r.s.orders[orderID]
	if !ok {
		return repo.ErrNotFound
	}
	o.PaymentStatus = model.PaymentStatusPaid
	o.Status = model.OrderStatusPending
	o.PaidAt = &paidAt
	r.s.orders[orderID] = o
	return nil
}

func (r memOrders) MarkTerminal(ctx context.Context, orderID int64, ps model.PaymentStatus, reason string, canceledBy string, canceledAt time.Time) error {
	o, ok := r.s.orders[orderID]
	if !ok {
		return repo.ErrNotFound
	}
	o.PaymentStatus = ps
	o.Status = model.OrderStatusCancelled
	o.StockConsumed = false
	o.CancelReason = reason
	o.CanceledBy = canceledBy
	o.CanceledAt = &canceledAt
	r.s.orders[orderID] = o
	return nil
}

func (r memOrders) ListStalePendingPayment(ctx context.Context, cutoff time.Time, limit int) ([]model.Order, error) {
	var out []model.Order
	for _, o := range r.s.orders {
		if o.PaymentStatus == model.PaymentStatusPendingPayment &&
			o.Status == model.OrderStatusPendingPayment &&
			o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memItems struct{ s *memStore }

func (r memItems) CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error {
	for i := range items {
		items[i].OrderID = orderID
	}
	r.s.items[orderID] = append(r.s.items[orderID], items...)
	return nil
}

func (r memItems) ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	return append([]model.OrderItem(nil), r.s.items[orderID]...), nil
}

type memProducts struct{ s *memStore }

func (r memProducts) FindByID(ctx context.Context, id int64) (model.Product, error) {
	p, ok := r.s.products[id]
	if !ok {
		return model.Product{}, repo.ErrNotFound
	}
	return p, nil
}

func (r memProducts) FindByIDForUpdate(ctx context.Context, id int64) (model.Product, error) {
	return r.FindByID(ctx, id)
}

func (r memProducts) UpdateStock(ctx context.Context, productID int64, availableQuantity int64, inStock bool) error {
	p, ok := r.s.products[productID]
	if !ok {
		return repo.ErrNotFound
	}
	p.AvailableQuantity = availableQuantity
	p.InStock = inStock
	r.s.products[productID] = p
	return nil
}

type memCombos struct{ s *memStore }

func (r memCombos) ListByProductID(ctx context.Context, productID int64) ([]model.Combination, error) {
	return append([]model.Combination(nil), r.s.combos[productID]...), nil
}

func (r memCombos) UpdateStock(ctx context.Context, productID int64, combinationID string, stock int64) error {
	combs := r.s.combos[productID]
	for i := range combs {
		if combs[i].ID == combinationID {
			combs[i].Stock = stock
			return nil
		}
	}
	return repo.ErrNotFound
}

type memAudits struct{ s *memStore }

func (r memAudits) Create(ctx context.Context, log model.AuditLog) error {
	r.s.audits = append(r.s.audits, log)
	return nil
}

type fakeTxRepos struct{ s *memStore }

func (r fakeTxRepos) Orders() repo.OrderRepository         { return memOrders{r.s} }
func (r fakeTxRepos) OrderItems() repo.OrderItemRepository { return memItems{r.s} }
func (r fakeTxRepos) Products() repo.ProductRepository     { return memProducts{r.s} }
func (r fakeTxRepos) Combinations() repo.CombinationRepository {
	return memCombos{r.s}
}
func (r fakeTxRepos) AuditLogs() repo.AuditLogRepository { return memAudits{r.s} }

// エラーで全変更を巻き戻す（DBのトランザクションの代役）。
type fakeTxManager struct {
	s        *memStore
	txErr    error // 設定するとWithinTx自体が失敗する
	failNext int   // 次のn回のWithinTxを失敗させる（一過性障害の再現）
	nCalls   int
}

func (m *fakeTxManager) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	m.nCalls++
	if m.txErr != nil {
		return m.txErr
	}
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("tx failed")
	}
	snap := m.s.clone()
	if err := fn(fakeTxRepos{m.s}); err != nil {
		*m.s = *snap
		return err
	}
	return nil
}

type fakeGateway struct {
	init  payment.Init
	err   error
	calls int
	last  model.Order
	hook  func() // プロバイダ呼び出し中の並行イベントを差し込む
}

func (g *fakeGateway) InitPayment(ctx context.Context, o model.Order) (payment.Init, error) {
	g.calls++
	g.last = o
	if g.hook != nil {
		g.hook()
	}
	if g.err != nil {
		return payment.Init{}, g.err
	}
	return g.init, nil
}

type fakePublisher struct {
	events []OrderPaidEvent
}

func (p *fakePublisher) PublishOrderPaid(e OrderPaidEvent) {
	p.events = append(p.events, e)
}

// SetNXと同じ意味論のインメモリ足切り。
type fakeGuard struct {
	locked   map[string]bool
	err      error
	keys     []string
	released []string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{locked: map[string]bool{}}
}

func (g *fakeGuard) TryLock(ctx context.Context, scope, key string) (bool, error) {
	k := scope + "/" + key
	g.keys = append(g.keys, k)
	if g.err != nil {
		return false, g.err
	}
	if g.locked[k] {
		return false, nil
	}
	g.locked[k] = true
	return true, nil
}

func (g *fakeGuard) Unlock(ctx context.Context, scope, key string) error {
	k := scope + "/" + key
	g.released = append(g.released, k)
	delete(g.locked, k)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
