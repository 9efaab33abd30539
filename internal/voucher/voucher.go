package voucher

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"spinbridge/internal/domain"
)

// Wire format of a Spin deposit voucher. Timestamps are two-digit-year,
// slash-delimited ("YY/MM/DD HH:MM:SS"). Unknown fields are ignored.
type payload struct {
	OperationType       int             `json:"operationType"`
	IssuerID            int             `json:"issuerId"`
	Amount              decimal.Decimal `json:"amount"`
	CreationTimestamp   string          `json:"creationTimestamp"`
	ExpirationTimestamp string          `json:"expirationTimestamp"`
	Operation           struct {
		ReferenceCode string `json:"referenceCode"`
		Description   string `json:"description"`
	} `json:"operation"`
}

// Voucher is a parsed, structurally valid deposit voucher. It is transient:
// only its reference code is persisted (in the consumed set).
type Voucher struct {
	OperationType int
	IssuerID      int
	Amount        decimal.Decimal
	ReferenceCode string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

const timestampLayout = "06/01/02 15:04:05"

// Parse deserializes a raw voucher payload without applying policy checks.
func Parse(raw []byte) (*Voucher, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.E(domain.KindValidation, "malformed voucher payload")
	}
	if p.Operation.ReferenceCode == "" {
		return nil, domain.E(domain.KindValidation, "voucher reference code is missing")
	}
	if p.Amount.Sign() <= 0 {
		return nil, domain.E(domain.KindValidation, "voucher amount must be positive")
	}

	expiresAt, err := time.Parse(timestampLayout, p.ExpirationTimestamp)
	if err != nil {
		return nil, domain.E(domain.KindValidation, "voucher expiration timestamp is malformed")
	}
	createdAt, err := time.Parse(timestampLayout, p.CreationTimestamp)
	if err != nil {
		return nil, domain.E(domain.KindValidation, "voucher creation timestamp is malformed")
	}

	return &Voucher{
		OperationType: p.OperationType,
		IssuerID:      p.IssuerID,
		Amount:        p.Amount,
		ReferenceCode: p.Operation.ReferenceCode,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
	}, nil
}
