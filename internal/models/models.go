package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

type FillStatus string

const (
	FillPending    FillStatus = "pending"
	FillProcessing FillStatus = "processing"
	FillCompleted  FillStatus = "completed"
	FillCancelled  FillStatus = "cancelled"
	FillExpired    FillStatus = "expired"
	FillFailed     FillStatus = "failed"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxCompleted TxStatus = "completed"
	TxRejected  TxStatus = "rejected"
	TxFailed    TxStatus = "failed"
)

// SecureBundle is the encrypted voucher payload stored on a buy order. The
// private identifier is a decryption capability: it is returned once to the
// creating caller and never persisted.
type SecureBundle struct {
	PublicID      string
	CiphertextHex string
}

type BuyOrder struct {
	OrderID       string
	BuyerID       string
	FiatAmount    decimal.Decimal
	Token         string
	TokenAmount   string
	ReferenceCode string
	VoucherExpiry time.Time
	Status        OrderStatus
	Bundle        *SecureBundle
	CreatedAt     time.Time
	ExpiresAt     time.Time
	FilledAt      *time.Time
	TxHash        *string
	TransferTxID  *string
	TransferredAt *time.Time
	TransferError *string
	CancelReason  *string
	UpdatedAt     time.Time
}

type SellOrder struct {
	OrderID         string
	SellerID        string
	Token           string
	TokenAmount     string
	FiatAmount      *decimal.Decimal
	EscrowAddress   string
	DerivationIndex int64
	Status          OrderStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
	FilledAt        *time.Time
	TxHash          *string
	SettlementTxID  *string
	CancelReason    *string
	UpdatedAt       time.Time
}

type Fill struct {
	FillID        string
	OrderID       string
	FillerID      string
	PayoutAddress string
	ReferenceCode string
	FiatAmount    decimal.Decimal
	VoucherExpiry time.Time
	Status        FillStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
	CompletedAt   *time.Time
	TxHash        *string
	TransferTxID  *string
	TransferredAt *time.Time
	TransferError *string
	FailReason    *string
	UpdatedAt     time.Time
}

// TxPurpose distinguishes the escrow submission made at creation time from
// the settlement transfer made at completion time.
type TxPurpose string

const (
	PurposeEscrow     TxPurpose = "escrow"
	PurposeSettlement TxPurpose = "settlement"
)

type EntityKind string

const (
	EntityBuyOrder  EntityKind = "buy_order"
	EntitySellOrder EntityKind = "sell_order"
	EntityFill      EntityKind = "fill"
)

// PendingTransaction records a locally-submitted ledger transaction. Rows are
// never deleted; the relay only moves Status forward.
type PendingTransaction struct {
	LocalID     string
	Destination string
	Value       string
	Payload     string
	Submitter   string
	ChainID     string
	Status      TxStatus
	TxHash      *string
	EntityKind  EntityKind
	EntityID    string
	Purpose     TxPurpose
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var orderRank = map[OrderStatus]int{
	OrderPending: 0,
	OrderActive:  1,
	OrderFilled:  2,
}

var fillRank = map[FillStatus]int{
	FillPending:    0,
	FillProcessing: 1,
	FillCompleted:  2,
}

// OrderCanTransition reports whether an order may move from one status to
// another: forward along pending->active->filled, or out to a terminal
// cancelled/expired. Terminal statuses (filled included) never move.
func OrderCanTransition(from, to OrderStatus) bool {
	if OrderTerminal(from) || from == to {
		return false
	}
	fromRank, forward := orderRank[from]
	if !forward {
		return false
	}
	if toRank, ok := orderRank[to]; ok {
		return toRank > fromRank
	}
	return to == OrderCancelled || to == OrderExpired
}

func FillCanTransition(from, to FillStatus) bool {
	if FillTerminal(from) || from == to {
		return false
	}
	fromRank, forward := fillRank[from]
	if !forward {
		return false
	}
	if toRank, ok := fillRank[to]; ok {
		return toRank > fromRank
	}
	return to == FillCancelled || to == FillExpired || to == FillFailed
}

func OrderTerminal(s OrderStatus) bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

func FillTerminal(s FillStatus) bool {
	return s == FillCompleted || s == FillCancelled || s == FillExpired || s == FillFailed
}
