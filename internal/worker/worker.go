package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"spinbridge/internal/domain"
	"spinbridge/internal/ledger"
	"spinbridge/internal/models"
	"spinbridge/internal/services"
	"spinbridge/internal/store"
)

// Relay correlates locally-submitted ledger transactions with their
// externally-observed status and advances the linked order or fill. It is
// purely forward-moving: an entity already past the step a confirmation
// implies is left untouched.
type Relay struct {
	Repo          store.Repository
	Ledger        ledger.Client
	Orders        *services.OrderService
	Fills         *services.FillService
	EscrowAccount string
	ChainID       string
	Interval      time.Duration
	WSEndpoint    string
	Now           func() time.Time

	// mu serializes ticks and manual reconciliation, so the settlement
	// transfer's check-and-set on the transfer hash never interleaves.
	mu sync.Mutex
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Run polls on the configured interval until ctx is cancelled. The WS feed,
// when configured, only accelerates reconciliation; polling remains the
// source of truth.
func (r *Relay) Run(ctx context.Context) {
	go r.RunWS(ctx)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		if err := r.SyncOnce(ctx); err != nil {
			log.Printf("relay sync error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce performs one relay tick synchronously.
func (r *Relay) SyncOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticksTotal.Inc()

	if err := r.Orders.SweepExpired(ctx); err != nil {
		return err
	}
	if err := r.Fills.SweepExpired(ctx); err != nil {
		return err
	}

	txs, err := r.Repo.ListPendingTxs(ctx, models.TxPending)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}
	log.Printf("relay tick pending=%d", len(txs))

	for _, tx := range txs {
		if err := r.reconcileTx(ctx, tx); err != nil {
			log.Printf("reconcile tx %s failed: %v", tx.LocalID, err)
		}
	}
	return nil
}

// ReconcileEntity re-runs reconciliation for every transaction linked to a
// single order or fill, then retries a missing settlement transfer if the
// entity is a completed fill. Idempotent; this is the operator's recovery
// path when settlement failed independently of confirmation.
func (r *Relay) ReconcileEntity(ctx context.Context, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	txs, err := r.Repo.ListPendingTxsByEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return domain.Ef(domain.KindNotFound, "no transactions linked to entity %s", entityID)
	}

	for _, tx := range txs {
		if tx.Status != models.TxPending {
			continue
		}
		if err := r.reconcileTx(ctx, tx); err != nil {
			return err
		}
	}

	fill, err := r.Repo.GetFill(ctx, entityID)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return nil
		}
		return err
	}
	if fill.Status == models.FillCompleted && fill.TransferTxID == nil {
		return r.settle(ctx, fill)
	}
	return nil
}

func (r *Relay) reconcileTx(ctx context.Context, tx *models.PendingTransaction) error {
	if tx.TxHash == nil {
		return nil
	}

	lt, err := r.Ledger.TransactionByHash(ctx, *tx.TxHash)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	}

	switch lt.Status {
	case ledger.StatusConfirmed, ledger.StatusCompleted:
		if err := r.markTx(ctx, tx, models.TxStatus(lt.Status)); err != nil {
			return err
		}
		reconciledTotal.WithLabelValues("confirmed").Inc()
		return r.advance(ctx, tx, *tx.TxHash)
	case ledger.StatusRejected, ledger.StatusFailed:
		if err := r.markTx(ctx, tx, models.TxStatus(lt.Status)); err != nil {
			return err
		}
		reconciledTotal.WithLabelValues("failed").Inc()
		return r.fail(ctx, tx, "ledger reported transaction "+lt.Status)
	default:
		return nil
	}
}

func (r *Relay) markTx(ctx context.Context, tx *models.PendingTransaction, status models.TxStatus) error {
	tx.Status = status
	tx.UpdatedAt = r.now()
	return r.Repo.UpdatePendingTx(ctx, tx)
}

// advance moves the linked entity one step forward for a confirmed
// transaction.
func (r *Relay) advance(ctx context.Context, tx *models.PendingTransaction, hash string) error {
	now := r.now()

	switch tx.EntityKind {
	case models.EntityBuyOrder:
		order, err := r.Repo.GetBuyOrder(ctx, tx.EntityID)
		if err != nil {
			return err
		}
		target := models.OrderActive
		if tx.Purpose == models.PurposeSettlement {
			target = models.OrderFilled
		}
		if !models.OrderCanTransition(order.Status, target) {
			return nil
		}
		order.Status = target
		if target == models.OrderActive {
			order.TxHash = &hash
		} else {
			order.FilledAt = &now
			order.TransferredAt = &now
		}
		order.UpdatedAt = now
		if err := r.Repo.UpdateBuyOrder(ctx, order); err != nil {
			return err
		}
		log.Printf("buy order %s -> %s tx=%s", order.OrderID, target, hash)
		return nil

	case models.EntitySellOrder:
		order, err := r.Repo.GetSellOrder(ctx, tx.EntityID)
		if err != nil {
			return err
		}
		if !models.OrderCanTransition(order.Status, models.OrderActive) {
			return nil
		}
		order.Status = models.OrderActive
		order.TxHash = &hash
		order.UpdatedAt = now
		if err := r.Repo.UpdateSellOrder(ctx, order); err != nil {
			return err
		}
		log.Printf("sell order %s -> active tx=%s", order.OrderID, hash)
		return nil

	case models.EntityFill:
		if tx.Purpose == models.PurposeSettlement {
			return nil
		}
		fill, err := r.Repo.GetFill(ctx, tx.EntityID)
		if err != nil {
			return err
		}
		if !models.FillCanTransition(fill.Status, models.FillCompleted) {
			return nil
		}
		fill.Status = models.FillCompleted
		fill.CompletedAt = &now
		fill.TxHash = &hash
		fill.UpdatedAt = now
		if err := r.Repo.UpdateFill(ctx, fill); err != nil {
			return err
		}
		log.Printf("fill %s -> completed tx=%s", fill.FillID, hash)
		return r.settle(ctx, fill)
	}
	return nil
}

// fail handles a rejected or failed transaction. An escrow rejection ends
// the entity: orders cancel, fills fail, with the reason recorded. A
// settlement rejection never touches status; the transfer hash is cleared
// and the error recorded so manual reconciliation can resubmit.
func (r *Relay) fail(ctx context.Context, tx *models.PendingTransaction, reason string) error {
	now := r.now()

	switch tx.EntityKind {
	case models.EntityBuyOrder:
		order, err := r.Repo.GetBuyOrder(ctx, tx.EntityID)
		if err != nil {
			return err
		}
		if tx.Purpose == models.PurposeSettlement {
			order.TransferError = &reason
			order.TransferTxID = nil
			order.TransferredAt = nil
			order.UpdatedAt = now
			if err := r.Repo.UpdateBuyOrder(ctx, order); err != nil {
				return err
			}
			log.Printf("buy order %s settlement rejected: %s", order.OrderID, reason)
			return nil
		}
		if !models.OrderCanTransition(order.Status, models.OrderCancelled) {
			return nil
		}
		order.Status = models.OrderCancelled
		order.CancelReason = &reason
		order.UpdatedAt = now
		if err := r.Repo.UpdateBuyOrder(ctx, order); err != nil {
			return err
		}
		log.Printf("buy order %s cancelled: %s", order.OrderID, reason)
		return nil

	case models.EntitySellOrder:
		order, err := r.Repo.GetSellOrder(ctx, tx.EntityID)
		if err != nil {
			return err
		}
		if !models.OrderCanTransition(order.Status, models.OrderCancelled) {
			return nil
		}
		order.Status = models.OrderCancelled
		order.CancelReason = &reason
		order.UpdatedAt = now
		if err := r.Repo.UpdateSellOrder(ctx, order); err != nil {
			return err
		}
		log.Printf("sell order %s cancelled: %s", order.OrderID, reason)
		return nil

	case models.EntityFill:
		fill, err := r.Repo.GetFill(ctx, tx.EntityID)
		if err != nil {
			return err
		}
		if tx.Purpose == models.PurposeSettlement {
			fill.TransferError = &reason
			fill.TransferTxID = nil
			fill.TransferredAt = nil
			fill.UpdatedAt = now
			if err := r.Repo.UpdateFill(ctx, fill); err != nil {
				return err
			}
			log.Printf("fill %s settlement rejected: %s", fill.FillID, reason)
			return nil
		}
		if !models.FillCanTransition(fill.Status, models.FillFailed) {
			return nil
		}
		fill.Status = models.FillFailed
		fill.FailReason = &reason
		fill.UpdatedAt = now
		if err := r.Repo.UpdateFill(ctx, fill); err != nil {
			return err
		}
		log.Printf("fill %s failed: %s", fill.FillID, reason)
		return nil
	}
	return nil
}

// settle releases the escrowed tokens to the filler's payout address. The
// recorded transfer hash is the sole idempotency guard: it is checked and
// set under the relay mutex, so no second tick can interleave. A submission
// failure is recorded on the fill, not returned; the completed status
// stands and manual reconciliation retries the transfer.
func (r *Relay) settle(ctx context.Context, fill *models.Fill) error {
	if fill.TransferTxID != nil {
		return nil
	}

	order, err := r.Repo.GetSellOrder(ctx, fill.OrderID)
	if err != nil {
		return err
	}

	now := r.now()
	hash, err := r.Ledger.Submit(ctx, ledger.SubmitRequest{
		From:    r.EscrowAccount,
		To:      fill.PayoutAddress,
		Value:   order.TokenAmount,
		ChainID: r.ChainID,
	})
	if err != nil {
		settlementFailures.Inc()
		msg := err.Error()
		fill.TransferError = &msg
		fill.UpdatedAt = now
		if uerr := r.Repo.UpdateFill(ctx, fill); uerr != nil {
			return uerr
		}
		log.Printf("settlement failed fill=%s: %v", fill.FillID, err)
		return nil
	}
	settlementsSubmitted.Inc()

	fill.TransferTxID = &hash
	fill.TransferredAt = &now
	fill.TransferError = nil
	fill.UpdatedAt = now
	if err := r.Repo.UpdateFill(ctx, fill); err != nil {
		return err
	}

	tx := &models.PendingTransaction{
		LocalID:     uuid.NewString(),
		Destination: fill.PayoutAddress,
		Value:       order.TokenAmount,
		Submitter:   r.EscrowAccount,
		ChainID:     r.ChainID,
		Status:      models.TxPending,
		TxHash:      &hash,
		EntityKind:  models.EntityFill,
		EntityID:    fill.FillID,
		Purpose:     models.PurposeSettlement,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.Repo.CreatePendingTx(ctx, tx); err != nil {
		return err
	}

	if models.OrderCanTransition(order.Status, models.OrderFilled) {
		order.Status = models.OrderFilled
		order.FilledAt = &now
		order.SettlementTxID = &hash
		order.UpdatedAt = now
		if err := r.Repo.UpdateSellOrder(ctx, order); err != nil {
			return err
		}
	}

	log.Printf("settlement submitted fill=%s order=%s to=%s amount=%s tx=%s",
		fill.FillID, order.OrderID, fill.PayoutAddress, order.TokenAmount, hash)
	return nil
}
