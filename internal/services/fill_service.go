package services

import (
	"context"
	"encoding/hex"
	"log"
	"time"

	"github.com/google/uuid"

	"spinbridge/internal/domain"
	"spinbridge/internal/ledger"
	"spinbridge/internal/models"
	"spinbridge/internal/store"
	"spinbridge/internal/voucher"
)

// FillService tracks fill attempts against sell orders. It leans on the
// order service for status checks and expiration sweeps.
type FillService struct {
	Repo          store.Repository
	Validator     *voucher.Validator
	Ledger        ledger.Client
	Orders        *OrderService
	EscrowAccount string
	AddressPrefix string
	ChainID       string
	FillTTL       time.Duration
	Now           func() time.Time
}

func (s *FillService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type CreateFillParams struct {
	FillerID      string
	OrderID       string
	PayoutAddress string
	RawVoucher    []byte
}

// CreateFill validates the voucher against the sell order's fiat target,
// consumes its reference, and submits the fill registration to the ledger.
// A returned fill is already processing; completion and the settlement
// transfer are the relay's job.
func (s *FillService) CreateFill(ctx context.Context, p CreateFillParams) (*models.Fill, error) {
	if p.FillerID == "" {
		return nil, domain.E(domain.KindValidation, "missing filler id")
	}
	if !ledger.ValidAddress(s.AddressPrefix, p.PayoutAddress) {
		return nil, domain.Ef(domain.KindValidation, "payout address is not a valid %s address", s.AddressPrefix)
	}

	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}
	if err := s.Orders.SweepExpired(ctx); err != nil {
		return nil, err
	}

	order, err := s.Repo.GetSellOrder(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderActive {
		return nil, domain.Ef(domain.KindInvalidState, "sell order %s is %s, not active", order.OrderID, order.Status)
	}
	if order.FiatAmount == nil {
		return nil, domain.E(domain.KindValidation, "sell order has no fiat target amount")
	}

	// One live fill per order: a second attempt while another fill is
	// pending, processing or completed is refused up front.
	existing, err := s.Repo.ListFills(ctx, store.FillFilter{OrderID: order.OrderID})
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		if f.Status == models.FillPending || f.Status == models.FillProcessing || f.Status == models.FillCompleted {
			return nil, domain.Ef(domain.KindInvalidState, "sell order %s already has fill %s in status %s", order.OrderID, f.FillID, f.Status)
		}
	}

	vo, err := s.Validator.Validate(p.RawVoucher, *order.FiatAmount)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.ConsumeReference(ctx, vo.ReferenceCode); err != nil {
		return nil, err
	}

	now := s.now()
	fill := &models.Fill{
		FillID:        uuid.NewString(),
		OrderID:       order.OrderID,
		FillerID:      p.FillerID,
		PayoutAddress: p.PayoutAddress,
		ReferenceCode: vo.ReferenceCode,
		FiatAmount:    vo.Amount,
		VoucherExpiry: vo.ExpiresAt,
		Status:        models.FillPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.FillTTL),
		UpdatedAt:     now,
	}
	if err := s.Repo.CreateFill(ctx, fill); err != nil {
		return nil, err
	}

	// The submitted payload is an opaque commitment to the consumed
	// reference, not the voucher itself.
	payload := hex.EncodeToString([]byte(vo.ReferenceCode))
	hash, err := s.Ledger.Submit(ctx, ledger.SubmitRequest{
		From:    p.FillerID,
		To:      s.EscrowAccount,
		Value:   "0",
		Payload: payload,
		ChainID: s.ChainID,
	})
	if err != nil {
		reason := "ledger submission failed: " + err.Error()
		fill.Status = models.FillCancelled
		fill.FailReason = &reason
		fill.UpdatedAt = s.now()
		if uerr := s.Repo.UpdateFill(ctx, fill); uerr != nil {
			log.Printf("cancel after submit failure fill=%s: %v", fill.FillID, uerr)
		}
		return nil, domain.Ef(domain.KindLedger, "fill submission failed: %v", err)
	}

	tx := &models.PendingTransaction{
		LocalID:     uuid.NewString(),
		Destination: s.EscrowAccount,
		Value:       "0",
		Payload:     payload,
		Submitter:   p.FillerID,
		ChainID:     s.ChainID,
		Status:      models.TxPending,
		TxHash:      &hash,
		EntityKind:  models.EntityFill,
		EntityID:    fill.FillID,
		Purpose:     models.PurposeEscrow,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.Repo.CreatePendingTx(ctx, tx); err != nil {
		return nil, err
	}

	fill.Status = models.FillProcessing
	fill.UpdatedAt = s.now()
	if err := s.Repo.UpdateFill(ctx, fill); err != nil {
		return nil, err
	}

	log.Printf("fill created fill=%s order=%s filler=%s tx=%s", fill.FillID, order.OrderID, p.FillerID, hash)
	return fill, nil
}

func (s *FillService) GetFill(ctx context.Context, fillID string) (*models.Fill, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}
	return s.Repo.GetFill(ctx, fillID)
}

func (s *FillService) ListFills(ctx context.Context, filter store.FillFilter) ([]*models.Fill, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}
	return s.Repo.ListFills(ctx, filter)
}

func (s *FillService) CancelFill(ctx context.Context, callerID, fillID string) (*models.Fill, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}

	fill, err := s.Repo.GetFill(ctx, fillID)
	if err != nil {
		return nil, err
	}
	if fill.FillerID != callerID {
		return nil, domain.E(domain.KindUnauthorized, "caller does not own this fill")
	}
	if !models.FillCanTransition(fill.Status, models.FillCancelled) {
		return nil, domain.Ef(domain.KindInvalidState, "cannot cancel fill in status %s", fill.Status)
	}

	reason := "cancelled by owner"
	fill.Status = models.FillCancelled
	fill.FailReason = &reason
	fill.UpdatedAt = s.now()
	if err := s.Repo.UpdateFill(ctx, fill); err != nil {
		return nil, err
	}
	return fill, nil
}

// SweepExpired lazily expires pending/processing fills past their deadline.
func (s *FillService) SweepExpired(ctx context.Context) error {
	now := s.now()
	for _, status := range []models.FillStatus{models.FillPending, models.FillProcessing} {
		fills, err := s.Repo.ListFills(ctx, store.FillFilter{Status: status})
		if err != nil {
			return err
		}
		for _, f := range fills {
			if f.ExpiresAt.After(now) {
				continue
			}
			f.Status = models.FillExpired
			f.UpdatedAt = now
			if err := s.Repo.UpdateFill(ctx, f); err != nil {
				return err
			}
			log.Printf("fill expired fill=%s order=%s", f.FillID, f.OrderID)
		}
	}
	return nil
}
