package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spinbridge/internal/domain"
	"spinbridge/internal/escrow"
	"spinbridge/internal/ledger"
	"spinbridge/internal/models"
	"spinbridge/internal/store"
	"spinbridge/internal/voucher"
)

// OrderService owns the buy/sell order state machines. All mutation goes
// through here; entities handed to callers are repository copies.
type OrderService struct {
	Repo          store.Repository
	Validator     *voucher.Validator
	Ledger        ledger.Client
	Deriver       ledger.EscrowDeriver
	EscrowAccount string
	ChainID       string
	OrderTTL      time.Duration
	Now           func() time.Time
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type CreateBuyOrderParams struct {
	BuyerID     string
	RawVoucher  []byte
	FiatAmount  decimal.Decimal
	Token       string
	TokenAmount string
}

// CreateBuyOrder validates and consumes the voucher, seals its payload, and
// submits the ciphertext to the escrow account. The returned private
// identifier is the caller's decryption capability; it is not stored.
func (s *OrderService) CreateBuyOrder(ctx context.Context, p CreateBuyOrderParams) (*models.BuyOrder, string, error) {
	if p.BuyerID == "" {
		return nil, "", domain.E(domain.KindValidation, "missing buyer id")
	}
	if p.Token == "" || p.TokenAmount == "" {
		return nil, "", domain.E(domain.KindValidation, "missing token or token amount")
	}
	if p.FiatAmount.Sign() <= 0 {
		return nil, "", domain.E(domain.KindValidation, "fiat amount must be positive")
	}

	vo, err := s.Validator.Validate(p.RawVoucher, p.FiatAmount)
	if err != nil {
		return nil, "", err
	}

	// The replay check and the consumption are one atomic repository call;
	// a concurrent request holding the same reference loses here, before
	// anything else mutates.
	if err := s.Repo.ConsumeReference(ctx, vo.ReferenceCode); err != nil {
		return nil, "", err
	}

	bundle, err := escrow.Seal(p.RawVoucher)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	order := &models.BuyOrder{
		OrderID:       uuid.NewString(),
		BuyerID:       p.BuyerID,
		FiatAmount:    vo.Amount,
		Token:         p.Token,
		TokenAmount:   p.TokenAmount,
		ReferenceCode: vo.ReferenceCode,
		VoucherExpiry: vo.ExpiresAt,
		Status:        models.OrderPending,
		Bundle: &models.SecureBundle{
			PublicID:      bundle.PublicID,
			CiphertextHex: bundle.CiphertextHex,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(s.OrderTTL),
		UpdatedAt: now,
	}
	if err := s.Repo.CreateBuyOrder(ctx, order); err != nil {
		return nil, "", err
	}

	hash, err := s.Ledger.Submit(ctx, ledger.SubmitRequest{
		From:    p.BuyerID,
		To:      s.EscrowAccount,
		Value:   "0",
		Payload: bundle.CiphertextHex,
		ChainID: s.ChainID,
	})
	if err != nil {
		reason := "ledger submission failed: " + err.Error()
		order.Status = models.OrderCancelled
		order.CancelReason = &reason
		order.UpdatedAt = s.now()
		if uerr := s.Repo.UpdateBuyOrder(ctx, order); uerr != nil {
			log.Printf("cancel after submit failure order=%s: %v", order.OrderID, uerr)
		}
		return nil, "", domain.Ef(domain.KindLedger, "escrow submission failed: %v", err)
	}

	tx := &models.PendingTransaction{
		LocalID:     uuid.NewString(),
		Destination: s.EscrowAccount,
		Value:       "0",
		Payload:     bundle.CiphertextHex,
		Submitter:   p.BuyerID,
		ChainID:     s.ChainID,
		Status:      models.TxPending,
		TxHash:      &hash,
		EntityKind:  models.EntityBuyOrder,
		EntityID:    order.OrderID,
		Purpose:     models.PurposeEscrow,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.Repo.CreatePendingTx(ctx, tx); err != nil {
		return nil, "", err
	}

	log.Printf("buy order created order=%s buyer=%s amount=%s tx=%s", order.OrderID, p.BuyerID, vo.Amount, hash)
	return order, bundle.PrivateID, nil
}

type CreateSellOrderParams struct {
	SellerID     string
	Token        string
	TokenAmount  string
	FiatAmount   *decimal.Decimal
	EscrowTxHash string
}

// CreateSellOrder derives a dedicated escrow deposit address for the order
// and records the seller's (externally submitted) escrow funding transaction
// for the relay to confirm.
func (s *OrderService) CreateSellOrder(ctx context.Context, p CreateSellOrderParams) (*models.SellOrder, error) {
	if p.SellerID == "" {
		return nil, domain.E(domain.KindValidation, "missing seller id")
	}
	if p.Token == "" || p.TokenAmount == "" {
		return nil, domain.E(domain.KindValidation, "missing token or token amount")
	}
	if p.FiatAmount != nil && p.FiatAmount.Sign() <= 0 {
		return nil, domain.E(domain.KindValidation, "fiat amount must be positive")
	}
	if p.EscrowTxHash == "" {
		return nil, domain.E(domain.KindValidation, "missing escrow transaction hash")
	}

	idx, err := s.Repo.NextDerivationIndex(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := s.Deriver.Derive(uint32(idx))
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.SellOrder{
		OrderID:         uuid.NewString(),
		SellerID:        p.SellerID,
		Token:           p.Token,
		TokenAmount:     p.TokenAmount,
		FiatAmount:      p.FiatAmount,
		EscrowAddress:   addr,
		DerivationIndex: idx,
		Status:          models.OrderPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.OrderTTL),
		UpdatedAt:       now,
	}
	if err := s.Repo.CreateSellOrder(ctx, order); err != nil {
		return nil, err
	}

	hash := p.EscrowTxHash
	tx := &models.PendingTransaction{
		LocalID:     uuid.NewString(),
		Destination: addr,
		Value:       p.TokenAmount,
		Payload:     "",
		Submitter:   p.SellerID,
		ChainID:     s.ChainID,
		Status:      models.TxPending,
		TxHash:      &hash,
		EntityKind:  models.EntitySellOrder,
		EntityID:    order.OrderID,
		Purpose:     models.PurposeEscrow,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Repo.CreatePendingTx(ctx, tx); err != nil {
		return nil, err
	}

	log.Printf("sell order created order=%s seller=%s escrow=%s tx=%s", order.OrderID, p.SellerID, addr, hash)
	return order, nil
}

// Order is one of the two order kinds; exactly one side is set.
type Order struct {
	Buy  *models.BuyOrder
	Sell *models.SellOrder
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}
	if buy, err := s.Repo.GetBuyOrder(ctx, orderID); err == nil {
		return &Order{Buy: buy}, nil
	} else if domain.KindOf(err) != domain.KindNotFound {
		return nil, err
	}
	sell, err := s.Repo.GetSellOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &Order{Sell: sell}, nil
}

type ListOrdersParams struct {
	Token     string
	Status    models.OrderStatus
	Limit     int
	OwnerOnly bool
	CallerID  string
}

type OrderBook struct {
	Buys  []*models.BuyOrder
	Sells []*models.SellOrder
}

func (s *OrderService) ListOrders(ctx context.Context, p ListOrdersParams) (*OrderBook, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}
	filter := store.OrderFilter{Token: p.Token, Status: p.Status, Limit: p.Limit}
	if p.OwnerOnly {
		filter.Owner = p.CallerID
	}
	buys, err := s.Repo.ListBuyOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	sells, err := s.Repo.ListSellOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &OrderBook{Buys: buys, Sells: sells}, nil
}

// CancelOrder moves a pending or active order to cancelled. Only the owner
// may cancel; terminal orders are refused.
func (s *OrderService) CancelOrder(ctx context.Context, callerID, orderID string) (*Order, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}

	reason := "cancelled by owner"
	now := s.now()

	if buy, err := s.Repo.GetBuyOrder(ctx, orderID); err == nil {
		if buy.BuyerID != callerID {
			return nil, domain.E(domain.KindUnauthorized, "caller does not own this order")
		}
		if !models.OrderCanTransition(buy.Status, models.OrderCancelled) {
			return nil, domain.Ef(domain.KindInvalidState, "cannot cancel order in status %s", buy.Status)
		}
		buy.Status = models.OrderCancelled
		buy.CancelReason = &reason
		buy.UpdatedAt = now
		if err := s.Repo.UpdateBuyOrder(ctx, buy); err != nil {
			return nil, err
		}
		return &Order{Buy: buy}, nil
	} else if domain.KindOf(err) != domain.KindNotFound {
		return nil, err
	}

	sell, err := s.Repo.GetSellOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if sell.SellerID != callerID {
		return nil, domain.E(domain.KindUnauthorized, "caller does not own this order")
	}
	if !models.OrderCanTransition(sell.Status, models.OrderCancelled) {
		return nil, domain.Ef(domain.KindInvalidState, "cannot cancel order in status %s", sell.Status)
	}
	sell.Status = models.OrderCancelled
	sell.CancelReason = &reason
	sell.UpdatedAt = now
	if err := s.Repo.UpdateSellOrder(ctx, sell); err != nil {
		return nil, err
	}
	return &Order{Sell: sell}, nil
}

// SweepExpired lazily expires pending/active orders whose deadline passed.
// Invoked from every read path and at the top of each relay tick, never from
// a dedicated timer, so expiration is only as fresh as the last read.
func (s *OrderService) SweepExpired(ctx context.Context) error {
	now := s.now()

	for _, status := range []models.OrderStatus{models.OrderPending, models.OrderActive} {
		buys, err := s.Repo.ListBuyOrders(ctx, store.OrderFilter{Status: status})
		if err != nil {
			return err
		}
		for _, o := range buys {
			if o.ExpiresAt.After(now) {
				continue
			}
			o.Status = models.OrderExpired
			o.UpdatedAt = now
			if err := s.Repo.UpdateBuyOrder(ctx, o); err != nil {
				return err
			}
			log.Printf("buy order expired order=%s", o.OrderID)
		}

		sells, err := s.Repo.ListSellOrders(ctx, store.OrderFilter{Status: status})
		if err != nil {
			return err
		}
		for _, o := range sells {
			if o.ExpiresAt.After(now) {
				continue
			}
			o.Status = models.OrderExpired
			o.UpdatedAt = now
			if err := s.Repo.UpdateSellOrder(ctx, o); err != nil {
				return err
			}
			log.Printf("sell order expired order=%s", o.OrderID)
		}
	}
	return nil
}

// RecordSettlement attaches the counterparty's token-delivery transaction to
// an active buy order. The transfer itself is submitted from the
// counterparty's wallet; this registers its hash so the relay can confirm it
// and move the order to filled. A rejected settlement clears the hash, after
// which a corrected transaction may be recorded.
func (s *OrderService) RecordSettlement(ctx context.Context, callerID, orderID, txHash string) (*models.BuyOrder, error) {
	if callerID == "" {
		return nil, domain.E(domain.KindValidation, "missing caller id")
	}
	if txHash == "" {
		return nil, domain.E(domain.KindValidation, "missing settlement transaction hash")
	}
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}

	order, err := s.Repo.GetBuyOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderActive {
		return nil, domain.Ef(domain.KindInvalidState, "buy order %s is %s, not active", order.OrderID, order.Status)
	}
	if order.TransferTxID != nil {
		return nil, domain.Ef(domain.KindInvalidState, "buy order %s already has settlement %s", order.OrderID, *order.TransferTxID)
	}

	now := s.now()
	order.TransferTxID = &txHash
	order.TransferError = nil
	order.UpdatedAt = now
	if err := s.Repo.UpdateBuyOrder(ctx, order); err != nil {
		return nil, err
	}

	tx := &models.PendingTransaction{
		LocalID:     uuid.NewString(),
		Destination: order.BuyerID,
		Value:       order.TokenAmount,
		Submitter:   callerID,
		ChainID:     s.ChainID,
		Status:      models.TxPending,
		TxHash:      &txHash,
		EntityKind:  models.EntityBuyOrder,
		EntityID:    order.OrderID,
		Purpose:     models.PurposeSettlement,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Repo.CreatePendingTx(ctx, tx); err != nil {
		return nil, err
	}

	log.Printf("buy order settlement recorded order=%s tx=%s", order.OrderID, txHash)
	return order, nil
}

// RecoverVoucher decrypts a buy order's sealed voucher from the ledger by
// transaction hash, independent of local state. The caller must present the
// private identifier handed out at creation.
func (s *OrderService) RecoverVoucher(ctx context.Context, txHash, publicID, privateID string) ([]byte, error) {
	return escrow.UnsealFromLedger(ctx, s.Ledger, txHash, publicID, privateID)
}
