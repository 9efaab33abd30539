package store

import (
	"context"

	"spinbridge/internal/models"
)

type OrderFilter struct {
	Token  string
	Status models.OrderStatus
	Owner  string
	Limit  int
}

type FillFilter struct {
	OrderID string
	Owner   string
	Status  models.FillStatus
	Limit   int
}

// Repository is the injected persistence boundary. Entities handed out are
// copies; callers mutate through the services' update paths, never in place.
// The memory backend is the default for the single-instance deployment; the
// Postgres backend implements the same contract.
type Repository interface {
	CreateBuyOrder(ctx context.Context, order *models.BuyOrder) error
	GetBuyOrder(ctx context.Context, orderID string) (*models.BuyOrder, error)
	ListBuyOrders(ctx context.Context, filter OrderFilter) ([]*models.BuyOrder, error)
	UpdateBuyOrder(ctx context.Context, order *models.BuyOrder) error

	CreateSellOrder(ctx context.Context, order *models.SellOrder) error
	GetSellOrder(ctx context.Context, orderID string) (*models.SellOrder, error)
	ListSellOrders(ctx context.Context, filter OrderFilter) ([]*models.SellOrder, error)
	UpdateSellOrder(ctx context.Context, order *models.SellOrder) error

	CreateFill(ctx context.Context, fill *models.Fill) error
	GetFill(ctx context.Context, fillID string) (*models.Fill, error)
	ListFills(ctx context.Context, filter FillFilter) ([]*models.Fill, error)
	UpdateFill(ctx context.Context, fill *models.Fill) error

	CreatePendingTx(ctx context.Context, tx *models.PendingTransaction) error
	GetPendingTx(ctx context.Context, localID string) (*models.PendingTransaction, error)
	ListPendingTxs(ctx context.Context, statuses ...models.TxStatus) ([]*models.PendingTransaction, error)
	ListPendingTxsByEntity(ctx context.Context, entityID string) ([]*models.PendingTransaction, error)
	UpdatePendingTx(ctx context.Context, tx *models.PendingTransaction) error

	// ConsumeReference atomically checks and records a voucher reference.
	// A reference already in the set yields a replay error. References are
	// never removed.
	ConsumeReference(ctx context.Context, code string) error
	ReferenceConsumed(ctx context.Context, code string) (bool, error)

	NextDerivationIndex(ctx context.Context) (int64, error)
}
