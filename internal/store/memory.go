package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"spinbridge/internal/domain"
	"spinbridge/internal/models"
)

// Memory is the default repository: process-wide maps guarded by one mutex.
// Entries are copied on the way in and out so nothing outside the services
// can mutate stored state.
type Memory struct {
	mu         sync.RWMutex
	buyOrders  map[string]*models.BuyOrder
	sellOrders map[string]*models.SellOrder
	fills      map[string]*models.Fill
	pendingTxs map[string]*models.PendingTransaction
	consumed   map[string]struct{}
	nextIndex  int64
}

func NewMemory() *Memory {
	return &Memory{
		buyOrders:  map[string]*models.BuyOrder{},
		sellOrders: map[string]*models.SellOrder{},
		fills:      map[string]*models.Fill{},
		pendingTxs: map[string]*models.PendingTransaction{},
		consumed:   map[string]struct{}{},
	}
}

func (m *Memory) CreateBuyOrder(ctx context.Context, order *models.BuyOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buyOrders[order.OrderID]; ok {
		return domain.Ef(domain.KindInvalidState, "buy order %s already exists", order.OrderID)
	}
	m.buyOrders[order.OrderID] = copyBuyOrder(order)
	return nil
}

func (m *Memory) GetBuyOrder(ctx context.Context, orderID string) (*models.BuyOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.buyOrders[orderID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "buy order %s not found", orderID)
	}
	return copyBuyOrder(order), nil
}

func (m *Memory) ListBuyOrders(ctx context.Context, filter OrderFilter) ([]*models.BuyOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.BuyOrder
	for _, order := range m.buyOrders {
		if filter.Token != "" && order.Token != filter.Token {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.Owner != "" && order.BuyerID != filter.Owner {
			continue
		}
		out = append(out, copyBuyOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateBuyOrder(ctx context.Context, order *models.BuyOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buyOrders[order.OrderID]; !ok {
		return domain.Ef(domain.KindNotFound, "buy order %s not found", order.OrderID)
	}
	m.buyOrders[order.OrderID] = copyBuyOrder(order)
	return nil
}

func (m *Memory) CreateSellOrder(ctx context.Context, order *models.SellOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sellOrders[order.OrderID]; ok {
		return domain.Ef(domain.KindInvalidState, "sell order %s already exists", order.OrderID)
	}
	m.sellOrders[order.OrderID] = copySellOrder(order)
	return nil
}

func (m *Memory) GetSellOrder(ctx context.Context, orderID string) (*models.SellOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.sellOrders[orderID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "sell order %s not found", orderID)
	}
	return copySellOrder(order), nil
}

func (m *Memory) ListSellOrders(ctx context.Context, filter OrderFilter) ([]*models.SellOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SellOrder
	for _, order := range m.sellOrders {
		if filter.Token != "" && order.Token != filter.Token {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.Owner != "" && order.SellerID != filter.Owner {
			continue
		}
		out = append(out, copySellOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateSellOrder(ctx context.Context, order *models.SellOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sellOrders[order.OrderID]; !ok {
		return domain.Ef(domain.KindNotFound, "sell order %s not found", order.OrderID)
	}
	m.sellOrders[order.OrderID] = copySellOrder(order)
	return nil
}

func (m *Memory) CreateFill(ctx context.Context, fill *models.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fills[fill.FillID]; ok {
		return domain.Ef(domain.KindInvalidState, "fill %s already exists", fill.FillID)
	}
	m.fills[fill.FillID] = copyFill(fill)
	return nil
}

func (m *Memory) GetFill(ctx context.Context, fillID string) (*models.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fill, ok := m.fills[fillID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "fill %s not found", fillID)
	}
	return copyFill(fill), nil
}

func (m *Memory) ListFills(ctx context.Context, filter FillFilter) ([]*models.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Fill
	for _, fill := range m.fills {
		if filter.OrderID != "" && fill.OrderID != filter.OrderID {
			continue
		}
		if filter.Owner != "" && fill.FillerID != filter.Owner {
			continue
		}
		if filter.Status != "" && fill.Status != filter.Status {
			continue
		}
		out = append(out, copyFill(fill))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].FillID < out[j].FillID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateFill(ctx context.Context, fill *models.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fills[fill.FillID]; !ok {
		return domain.Ef(domain.KindNotFound, "fill %s not found", fill.FillID)
	}
	m.fills[fill.FillID] = copyFill(fill)
	return nil
}

func (m *Memory) CreatePendingTx(ctx context.Context, tx *models.PendingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingTxs[tx.LocalID]; ok {
		return domain.Ef(domain.KindInvalidState, "pending transaction %s already exists", tx.LocalID)
	}
	m.pendingTxs[tx.LocalID] = copyPendingTx(tx)
	return nil
}

func (m *Memory) GetPendingTx(ctx context.Context, localID string) (*models.PendingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.pendingTxs[localID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "pending transaction %s not found", localID)
	}
	return copyPendingTx(tx), nil
}

func (m *Memory) ListPendingTxs(ctx context.Context, statuses ...models.TxStatus) ([]*models.PendingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match := func(s models.TxStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}
	var out []*models.PendingTransaction
	for _, tx := range m.pendingTxs {
		if match(tx.Status) {
			out = append(out, copyPendingTx(tx))
		}
	}
	sortPendingTxs(out)
	return out, nil
}

func (m *Memory) ListPendingTxsByEntity(ctx context.Context, entityID string) ([]*models.PendingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PendingTransaction
	for _, tx := range m.pendingTxs {
		if tx.EntityID == entityID {
			out = append(out, copyPendingTx(tx))
		}
	}
	sortPendingTxs(out)
	return out, nil
}

func (m *Memory) UpdatePendingTx(ctx context.Context, tx *models.PendingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingTxs[tx.LocalID]; !ok {
		return domain.Ef(domain.KindNotFound, "pending transaction %s not found", tx.LocalID)
	}
	m.pendingTxs[tx.LocalID] = copyPendingTx(tx)
	return nil
}

func (m *Memory) ConsumeReference(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumed[code]; ok {
		return domain.Ef(domain.KindReplay, "voucher reference %s already consumed", code)
	}
	m.consumed[code] = struct{}{}
	return nil
}

func (m *Memory) ReferenceConsumed(ctx context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.consumed[code]
	return ok, nil
}

func (m *Memory) NextDerivationIndex(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIndex++
	return m.nextIndex, nil
}

func sortPendingTxs(txs []*models.PendingTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].LocalID < txs[j].LocalID
	})
}

func copyBuyOrder(o *models.BuyOrder) *models.BuyOrder {
	out := *o
	out.FilledAt = copyTime(o.FilledAt)
	out.TxHash = copyString(o.TxHash)
	out.TransferTxID = copyString(o.TransferTxID)
	out.TransferredAt = copyTime(o.TransferredAt)
	out.TransferError = copyString(o.TransferError)
	out.CancelReason = copyString(o.CancelReason)
	if o.Bundle != nil {
		b := *o.Bundle
		out.Bundle = &b
	}
	return &out
}

func copySellOrder(o *models.SellOrder) *models.SellOrder {
	out := *o
	out.FilledAt = copyTime(o.FilledAt)
	out.TxHash = copyString(o.TxHash)
	out.SettlementTxID = copyString(o.SettlementTxID)
	out.CancelReason = copyString(o.CancelReason)
	if o.FiatAmount != nil {
		v := *o.FiatAmount
		out.FiatAmount = &v
	}
	return &out
}

func copyFill(f *models.Fill) *models.Fill {
	out := *f
	out.CompletedAt = copyTime(f.CompletedAt)
	out.TxHash = copyString(f.TxHash)
	out.TransferTxID = copyString(f.TransferTxID)
	out.TransferredAt = copyTime(f.TransferredAt)
	out.TransferError = copyString(f.TransferError)
	out.FailReason = copyString(f.FailReason)
	return &out
}

func copyPendingTx(tx *models.PendingTransaction) *models.PendingTransaction {
	out := *tx
	out.TxHash = copyString(tx.TxHash)
	return &out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
