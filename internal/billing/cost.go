package billing

import "github.com/shopspring/decimal"

var thousand = decimal.NewFromInt(1000)

// Pricing turns token counts into a monetary estimate at a flat rate per
// 1000 tokens, rounded half-up to cents.
type Pricing struct {
	per1K decimal.Decimal
}

func NewPricing(ratePer1K float64) Pricing {
	return Pricing{per1K: decimal.NewFromFloat(ratePer1K)}
}

func (p Pricing) Rate() decimal.Decimal { return p.per1K }

func (p Pricing) Cost(tokens int) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero.Round(2)
	}
	return decimal.NewFromInt(int64(tokens)).Mul(p.per1K).Div(thousand).Round(2)
}
