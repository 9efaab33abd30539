package ledger

import "context"

// Transaction statuses as reported by the ledger gateway.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

type Transaction struct {
	Hash        string
	From        string
	To          string
	Value       string
	Payload     string
	Status      string
	BlockHeight int64
}

type Log struct {
	Data string
}

type Receipt struct {
	TxHash string
	Status string
	Logs   []Log
}

type SubmitRequest struct {
	From    string
	To      string
	Value   string
	Payload string
	ChainID string
}

// Client is the consumed contract of the external ledger. The relay uses the
// read side; order/fill creation and settlement use Submit.
type Client interface {
	TransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	ReceiptByHash(ctx context.Context, hash string) (*Receipt, error)
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}
