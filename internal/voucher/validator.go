package voucher

import (
	"time"

	"github.com/shopspring/decimal"

	"spinbridge/internal/domain"
)

// Magic values identifying a cash deposit voucher from the Spin network.
const (
	DefaultOperationType = 4
	DefaultIssuerID      = 101
)

// Policy carries the validation constants. Tolerance and the amount band are
// deployment policy, not protocol; they come from config.
type Policy struct {
	OperationType    int
	IssuerID         int
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	TolerancePercent decimal.Decimal
	Now              func() time.Time
}

func DefaultPolicy() Policy {
	return Policy{
		OperationType:    DefaultOperationType,
		IssuerID:         DefaultIssuerID,
		MinAmount:        decimal.NewFromInt(10),
		MaxAmount:        decimal.NewFromInt(10000),
		TolerancePercent: decimal.NewFromInt(5),
		Now:              time.Now,
	}
}

type Validator struct {
	Policy Policy
}

func NewValidator(p Policy) *Validator {
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Validator{Policy: p}
}

// Validate parses raw and applies issuer, amount-band, tolerance and
// expiration checks against targetAmount. It is stateless: the anti-replay
// check-and-consume happens at commit time in the owning service.
//
// A voucher whose amount falls outside the tolerance window is a mismatch,
// reported with both values; that is distinct from a malformed voucher.
func (v *Validator) Validate(raw []byte, targetAmount decimal.Decimal) (*Voucher, error) {
	vo, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	p := v.Policy
	if vo.OperationType != p.OperationType {
		return nil, domain.Ef(domain.KindValidation, "unexpected operation type %d", vo.OperationType)
	}
	if vo.IssuerID != p.IssuerID {
		return nil, domain.Ef(domain.KindValidation, "unexpected issuer %d", vo.IssuerID)
	}
	if vo.Amount.LessThan(p.MinAmount) || vo.Amount.GreaterThan(p.MaxAmount) {
		return nil, domain.Ef(domain.KindValidation, "voucher amount %s outside allowed band [%s, %s]",
			vo.Amount, p.MinAmount, p.MaxAmount)
	}

	low, high := ToleranceWindow(targetAmount, p.TolerancePercent)
	if vo.Amount.LessThan(low) || vo.Amount.GreaterThan(high) {
		return nil, domain.Ef(domain.KindValidation, "voucher amount %s does not match target %s (tolerance %s%%)",
			vo.Amount, targetAmount, p.TolerancePercent).
			With("voucherAmount", vo.Amount.String()).
			With("targetAmount", targetAmount.String())
	}

	if vo.ExpiresAt.Before(p.Now()) {
		return nil, domain.Ef(domain.KindValidation, "voucher expired at %s", vo.ExpiresAt.Format(time.RFC3339))
	}

	return vo, nil
}

// ToleranceWindow returns the inclusive [target*(1-p/100), target*(1+p/100)]
// acceptance band.
func ToleranceWindow(target, percent decimal.Decimal) (low, high decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	delta := target.Mul(percent).Div(hundred)
	return target.Sub(delta), target.Add(delta)
}
