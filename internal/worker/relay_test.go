package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/shopspring/decimal"

	"spinbridge/internal/domain"
	"spinbridge/internal/ledger"
	"spinbridge/internal/models"
	"spinbridge/internal/services"
	"spinbridge/internal/store"
	"spinbridge/internal/voucher"
)

// BIP32 test vector key, public derivation only.
const testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

const testEscrowAccount = "spin1escrowaccount"

type fakeLedger struct {
	mu        sync.Mutex
	submitErr error
	submitted []ledger.SubmitRequest
	txs       map[string]*ledger.Transaction
	seq       int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txs: map[string]*ledger.Transaction{}}
}

func (f *fakeLedger) TransactionByHash(ctx context.Context, hash string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return tx, nil
}

func (f *fakeLedger) ReceiptByHash(ctx context.Context, hash string) (*ledger.Receipt, error) {
	return nil, ledger.ErrNotFound
}

func (f *fakeLedger) Submit(ctx context.Context, req ledger.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	hash := fmt.Sprintf("0xhash%02d", f.seq)
	f.submitted = append(f.submitted, req)
	f.txs[hash] = &ledger.Transaction{
		Hash:    hash,
		From:    req.From,
		To:      req.To,
		Value:   req.Value,
		Payload: req.Payload,
		Status:  ledger.StatusPending,
	}
	return hash, nil
}

func (f *fakeLedger) setStatus(hash, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		tx.Status = status
	}
}

func (f *fakeLedger) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeLedger) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type harness struct {
	repo   *store.Memory
	led    *fakeLedger
	orders *services.OrderService
	fills  *services.FillService
	relay  *Relay
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := store.NewMemory()
	led := newFakeLedger()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	pol := voucher.DefaultPolicy()
	pol.Now = clock
	validator := voucher.NewValidator(pol)

	orders := &services.OrderService{
		Repo:          repo,
		Validator:     validator,
		Ledger:        led,
		Deriver:       ledger.EscrowDeriver{XPub: testXPub, Prefix: "spin"},
		EscrowAccount: testEscrowAccount,
		ChainID:       "spin-test-1",
		OrderTTL:      time.Hour,
		Now:           clock,
	}
	fills := &services.FillService{
		Repo:          repo,
		Validator:     validator,
		Ledger:        led,
		Orders:        orders,
		EscrowAccount: testEscrowAccount,
		AddressPrefix: "spin",
		ChainID:       "spin-test-1",
		FillTTL:       30 * time.Minute,
		Now:           clock,
	}
	relay := &Relay{
		Repo:          repo,
		Ledger:        led,
		Orders:        orders,
		Fills:         fills,
		EscrowAccount: testEscrowAccount,
		ChainID:       "spin-test-1",
		Now:           clock,
	}
	return &harness{repo: repo, led: led, orders: orders, fills: fills, relay: relay, now: now}
}

func payoutAddress(t *testing.T) string {
	t.Helper()
	conv, err := bech32.ConvertBits(make([]byte, 20), 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	addr, err := bech32.Encode("spin", conv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return addr
}

func rawTestVoucher(amount, ref string, expiresAt time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"operationType": %d,
		"issuerId": %d,
		"amount": %s,
		"creationTimestamp": "24/01/15 10:00:00",
		"expirationTimestamp": %q,
		"operation": {"referenceCode": %q, "description": "cash deposit"}
	}`, voucher.DefaultOperationType, voucher.DefaultIssuerID, amount,
		expiresAt.Format("06/01/02 15:04:05"), ref))
}

func (h *harness) createBuyOrder(t *testing.T, ref string) *models.BuyOrder {
	t.Helper()
	order, _, err := h.orders.CreateBuyOrder(context.Background(), services.CreateBuyOrderParams{
		BuyerID:     "buyer-1",
		RawVoucher:  rawTestVoucher("100", ref, h.now.Add(24*time.Hour)),
		FiatAmount:  decimal.NewFromInt(100),
		Token:       "SPIN",
		TokenAmount: "500",
	})
	if err != nil {
		t.Fatalf("CreateBuyOrder: %v", err)
	}
	return order
}

// processingFill sets up an active sell order with a processing fill and
// returns both, plus the hash of the fill's escrow transaction.
func (h *harness) processingFill(t *testing.T, ref string) (*models.SellOrder, *models.Fill, string) {
	t.Helper()
	ctx := context.Background()
	fiat := decimal.NewFromInt(150)
	order, err := h.orders.CreateSellOrder(ctx, services.CreateSellOrderParams{
		SellerID:     "seller-1",
		Token:        "SPIN",
		TokenAmount:  "750",
		FiatAmount:   &fiat,
		EscrowTxHash: "0xsellerescrow-" + ref,
	})
	if err != nil {
		t.Fatalf("CreateSellOrder: %v", err)
	}
	order.Status = models.OrderActive
	if err := h.repo.UpdateSellOrder(ctx, order); err != nil {
		t.Fatalf("UpdateSellOrder: %v", err)
	}

	fill, err := h.fills.CreateFill(ctx, services.CreateFillParams{
		FillerID:      "filler-1",
		OrderID:       order.OrderID,
		PayoutAddress: payoutAddress(t),
		RawVoucher:    rawTestVoucher("150", ref, h.now.Add(24*time.Hour)),
	})
	if err != nil {
		t.Fatalf("CreateFill: %v", err)
	}

	txs, err := h.repo.ListPendingTxsByEntity(ctx, fill.FillID)
	if err != nil || len(txs) != 1 {
		t.Fatalf("expected one pending tx for fill, got %d (%v)", len(txs), err)
	}
	return order, fill, *txs[0].TxHash
}

func TestSyncOnce_ConfirmsBuyOrderEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createBuyOrder(t, "CR-RELAY-1")

	txs, _ := h.repo.ListPendingTxsByEntity(ctx, order.OrderID)
	h.led.setStatus(*txs[0].TxHash, ledger.StatusConfirmed)

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	got, err := h.repo.GetBuyOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("GetBuyOrder: %v", err)
	}
	if got.Status != models.OrderActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.TxHash == nil {
		t.Fatal("expected the confirmed hash recorded")
	}

	updated, _ := h.repo.ListPendingTxsByEntity(ctx, order.OrderID)
	if updated[0].Status != models.TxConfirmed {
		t.Fatalf("tx status = %s, want confirmed", updated[0].Status)
	}
}

func TestSyncOnce_PendingTxLeftAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createBuyOrder(t, "CR-RELAY-2")

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	got, _ := h.repo.GetBuyOrder(ctx, order.OrderID)
	if got.Status != models.OrderPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestSyncOnce_RejectedEscrowCancelsBuyOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createBuyOrder(t, "CR-RELAY-3")

	txs, _ := h.repo.ListPendingTxsByEntity(ctx, order.OrderID)
	h.led.setStatus(*txs[0].TxHash, ledger.StatusRejected)

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	got, _ := h.repo.GetBuyOrder(ctx, order.OrderID)
	if got.Status != models.OrderCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelReason == nil {
		t.Fatal("expected a cancel reason")
	}
}

func TestSyncOnce_CompletesFillAndSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, fill, escrowHash := h.processingFill(t, "CR-SETTLE-1")
	h.led.setStatus(escrowHash, ledger.StatusConfirmed)

	before := h.led.submissions()
	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	gotFill, _ := h.repo.GetFill(ctx, fill.FillID)
	if gotFill.Status != models.FillCompleted {
		t.Fatalf("fill status = %s, want completed", gotFill.Status)
	}
	if gotFill.TransferTxID == nil {
		t.Fatal("expected a settlement transfer hash")
	}
	if h.led.submissions() != before+1 {
		t.Fatalf("expected exactly one settlement submission, got %d", h.led.submissions()-before)
	}

	gotOrder, _ := h.repo.GetSellOrder(ctx, order.OrderID)
	if gotOrder.Status != models.OrderFilled {
		t.Fatalf("order status = %s, want filled", gotOrder.Status)
	}
	if gotOrder.SettlementTxID == nil {
		t.Fatal("expected the settlement hash on the sell order")
	}

	// The transfer carries the escrowed token amount to the payout address.
	last := h.led.submitted[len(h.led.submitted)-1]
	if last.From != testEscrowAccount || last.To != fill.PayoutAddress || last.Value != order.TokenAmount {
		t.Fatalf("unexpected settlement request %+v", last)
	}
}

func TestSyncOnce_SettlementSubmittedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, fill, escrowHash := h.processingFill(t, "CR-SETTLE-2")
	h.led.setStatus(escrowHash, ledger.StatusConfirmed)

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	after := h.led.submissions()

	// Further ticks, with the settlement tx still pending on the ledger,
	// must not submit a second transfer.
	for i := 0; i < 3; i++ {
		if err := h.relay.SyncOnce(ctx); err != nil {
			t.Fatalf("SyncOnce #%d: %v", i+2, err)
		}
	}
	if h.led.submissions() != after {
		t.Fatalf("expected no further submissions, got %d extra", h.led.submissions()-after)
	}

	gotFill, _ := h.repo.GetFill(ctx, fill.FillID)
	if gotFill.Status != models.FillCompleted {
		t.Fatalf("fill status = %s, want completed", gotFill.Status)
	}
}

func TestSyncOnce_RejectedFillEscrowFailsFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, fill, escrowHash := h.processingFill(t, "CR-FAILFILL")
	h.led.setStatus(escrowHash, ledger.StatusFailed)

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	gotFill, _ := h.repo.GetFill(ctx, fill.FillID)
	if gotFill.Status != models.FillFailed {
		t.Fatalf("fill status = %s, want failed", gotFill.Status)
	}
	if gotFill.FailReason == nil {
		t.Fatal("expected a fail reason")
	}
	if gotFill.TransferTxID != nil {
		t.Fatal("a failed fill must not be settled")
	}
}

func TestReconcileEntity_RetriesFailedSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, fill, escrowHash := h.processingFill(t, "CR-RETRY")
	h.led.setStatus(escrowHash, ledger.StatusConfirmed)

	h.led.setSubmitErr(errors.New("gateway down"))
	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	gotFill, _ := h.repo.GetFill(ctx, fill.FillID)
	if gotFill.Status != models.FillCompleted {
		t.Fatalf("fill status = %s, want completed", gotFill.Status)
	}
	if gotFill.TransferTxID != nil {
		t.Fatal("settlement should not have a hash after a failed submit")
	}
	if gotFill.TransferError == nil {
		t.Fatal("expected the transfer error recorded")
	}

	h.led.setSubmitErr(nil)
	if err := h.relay.ReconcileEntity(ctx, fill.FillID); err != nil {
		t.Fatalf("ReconcileEntity: %v", err)
	}

	gotFill, _ = h.repo.GetFill(ctx, fill.FillID)
	if gotFill.TransferTxID == nil {
		t.Fatal("expected the retried settlement to record a hash")
	}
	if gotFill.TransferError != nil {
		t.Fatal("expected the transfer error cleared")
	}
}

func TestSyncOnce_RejectedSettlementKeepsFillCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, fill, escrowHash := h.processingFill(t, "CR-SETTLE-REJ")
	h.led.setStatus(escrowHash, ledger.StatusConfirmed)

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	gotFill, _ := h.repo.GetFill(ctx, fill.FillID)
	if gotFill.TransferTxID == nil {
		t.Fatal("expected a settlement submitted")
	}
	settlementHash := *gotFill.TransferTxID

	h.led.setStatus(settlementHash, ledger.StatusRejected)
	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}

	gotFill, _ = h.repo.GetFill(ctx, fill.FillID)
	if gotFill.Status != models.FillCompleted {
		t.Fatalf("fill status = %s, a settlement rejection must not touch completed", gotFill.Status)
	}
	if gotFill.TransferError == nil {
		t.Fatal("expected the rejection recorded as a transfer error")
	}
	if gotFill.TransferTxID != nil {
		t.Fatal("expected the rejected hash cleared for retry")
	}

	// Manual reconciliation resubmits the transfer.
	if err := h.relay.ReconcileEntity(ctx, fill.FillID); err != nil {
		t.Fatalf("ReconcileEntity: %v", err)
	}
	gotFill, _ = h.repo.GetFill(ctx, fill.FillID)
	if gotFill.TransferTxID == nil {
		t.Fatal("expected a fresh settlement hash after retry")
	}
	if *gotFill.TransferTxID == settlementHash {
		t.Fatal("expected a new submission, not the rejected hash")
	}
	if gotFill.TransferError != nil {
		t.Fatal("expected the transfer error cleared")
	}
}

func TestSyncOnce_ConfirmsBuyOrderSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createBuyOrder(t, "CR-BUYSETTLE")

	escrowTxs, _ := h.repo.ListPendingTxsByEntity(ctx, order.OrderID)
	h.led.setStatus(*escrowTxs[0].TxHash, ledger.StatusConfirmed)
	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	if _, err := h.orders.RecordSettlement(ctx, "seller-9", order.OrderID, "0xdelivery"); err != nil {
		t.Fatalf("RecordSettlement: %v", err)
	}
	h.led.mu.Lock()
	h.led.txs["0xdelivery"] = &ledger.Transaction{
		Hash:   "0xdelivery",
		To:     order.BuyerID,
		Value:  order.TokenAmount,
		Status: ledger.StatusConfirmed,
	}
	h.led.mu.Unlock()

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}

	got, _ := h.repo.GetBuyOrder(ctx, order.OrderID)
	if got.Status != models.OrderFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	if got.TransferredAt == nil {
		t.Fatal("expected the delivery time recorded")
	}
}

func TestSyncOnce_RejectedBuySettlementKeepsOrderActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createBuyOrder(t, "CR-BUYSETTLE-REJ")

	escrowTxs, _ := h.repo.ListPendingTxsByEntity(ctx, order.OrderID)
	h.led.setStatus(*escrowTxs[0].TxHash, ledger.StatusConfirmed)
	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	if _, err := h.orders.RecordSettlement(ctx, "seller-9", order.OrderID, "0xbaddelivery"); err != nil {
		t.Fatalf("RecordSettlement: %v", err)
	}
	h.led.mu.Lock()
	h.led.txs["0xbaddelivery"] = &ledger.Transaction{
		Hash:   "0xbaddelivery",
		Status: ledger.StatusRejected,
	}
	h.led.mu.Unlock()

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}

	got, _ := h.repo.GetBuyOrder(ctx, order.OrderID)
	if got.Status != models.OrderActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.TransferError == nil {
		t.Fatal("expected the rejection recorded")
	}
	if got.TransferTxID != nil {
		t.Fatal("expected the rejected hash cleared")
	}

	// A corrected settlement can be recorded after the rejection.
	if _, err := h.orders.RecordSettlement(ctx, "seller-9", order.OrderID, "0xgooddelivery"); err != nil {
		t.Fatalf("re-record settlement: %v", err)
	}
}

func TestReconcileEntity_UnknownEntity(t *testing.T) {
	h := newHarness(t)
	err := h.relay.ReconcileEntity(context.Background(), "no-such-entity")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestSyncOnce_ConfirmsSellOrderEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fiat := decimal.NewFromInt(150)
	order, err := h.orders.CreateSellOrder(ctx, services.CreateSellOrderParams{
		SellerID:     "seller-1",
		Token:        "SPIN",
		TokenAmount:  "750",
		FiatAmount:   &fiat,
		EscrowTxHash: "0xsellerescrow",
	})
	if err != nil {
		t.Fatalf("CreateSellOrder: %v", err)
	}

	// The seller's deposit lives on the ledger, not through Submit.
	h.led.mu.Lock()
	h.led.txs["0xsellerescrow"] = &ledger.Transaction{
		Hash:   "0xsellerescrow",
		To:     order.EscrowAddress,
		Value:  "750",
		Status: ledger.StatusConfirmed,
	}
	h.led.mu.Unlock()

	if err := h.relay.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	got, _ := h.repo.GetSellOrder(ctx, order.OrderID)
	if got.Status != models.OrderActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}
