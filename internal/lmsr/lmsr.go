// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// bonding curve that prices the AMM liquidity pool for binary outcome
// events.
//
// The LMSR (Hanson, 2003) gives the pool bounded loss (b * ln 2 for a
// binary market), continuous pricing, and a path-independent cost
// function. All values entering or leaving this package are
// shopspring/decimal — never float64 for money. The transcendental core
// runs in float64 with the log-sum-exp trick for numerical stability and
// converts back to decimal immediately.
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// MinProb and MaxProb clamp the instantaneous probability so neither
	// outcome ever prices as free or certain.
	MinProb = decimal.NewFromFloat(0.01)
	MaxProb = decimal.NewFromFloat(0.99)

	// ProbScale is the number of decimal places kept on probabilities.
	ProbScale int32 = 8

	ten = decimal.NewFromInt(10)
)

// Curve is a stateless LMSR pricing function for one liquidity
// parameter b. Pool quantities are passed as arguments, never stored.
type Curve struct {
	b decimal.Decimal
}

// NewCurve returns a Curve with the given liquidity parameter. Higher b
// means deeper liquidity and smaller price impact per trade.
func NewCurve(b decimal.Decimal) (*Curve, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &Curve{b: b}, nil
}

// B returns the liquidity parameter.
func (c *Curve) B() decimal.Decimal {
	return c.b
}

// logSumExp computes ln(Σ exp(x_i)) without overflowing float64:
// LSE(x) = max(x) + ln(Σ exp(x_i - max(x))), so every exp argument is
// in (-inf, 0].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes the LMSR cost function C(q) = b * ln(exp(qYes/b) + exp(qNo/b)).
func (c *Curve) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := c.b.InexactFloat64()
	lse := logSumExp([]float64{qYes.InexactFloat64() / bf, qNo.InexactFloat64() / bf})
	return decimal.NewFromFloat(bf * lse).Round(ProbScale)
}

// Prob computes the instantaneous probability of the YES outcome:
//
//	p_yes = exp(qYes/b) / (exp(qYes/b) + exp(qNo/b))
//
// the softmax of the outstanding quantities, clamped to
// [MinProb, MaxProb].
func (c *Curve) Prob(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := c.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)

	p := decimal.NewFromFloat(expYes / (expYes + expNo)).Round(ProbScale)
	if p.LessThan(MinProb) {
		return MinProb
	}
	if p.GreaterThan(MaxProb) {
		return MaxProb
	}
	return p
}

// Prices returns both side prices on the exchange's 0–10 scale,
// guaranteed complementary: yes + no == 10.
func (c *Curve) Prices(qYes, qNo decimal.Decimal) (yes, no decimal.Decimal) {
	p := c.Prob(qYes, qNo)
	yes = p.Mul(ten).Round(ProbScale)
	no = ten.Sub(yes)
	return yes, no
}

// Seed returns pool quantities whose instantaneous YES price matches
// yesPrice on the 0–10 scale, by inverting the softmax:
// qYes - qNo = b * ln(p / (1-p)). Prices outside the clamp band are
// pulled to its edge.
func (c *Curve) Seed(yesPrice decimal.Decimal) (qYes, qNo decimal.Decimal) {
	p := yesPrice.Div(ten)
	if p.LessThan(MinProb) {
		p = MinProb
	}
	if p.GreaterThan(MaxProb) {
		p = MaxProb
	}
	pf := p.InexactFloat64()
	offset := c.b.InexactFloat64() * math.Log(pf/(1-pf))
	if offset >= 0 {
		return decimal.NewFromFloat(offset).Round(ProbScale), decimal.Zero
	}
	return decimal.Zero, decimal.NewFromFloat(-offset).Round(ProbScale)
}

// TradeCost is the cash cost of moving the YES quantity by deltaYes:
// C(qYes+deltaYes, qNo) - C(qYes, qNo). Negative deltas (sells) yield a
// negative cost, a payout to the trader.
func (c *Curve) TradeCost(qYes, qNo, deltaYes decimal.Decimal) decimal.Decimal {
	return c.Cost(qYes.Add(deltaYes), qNo).Sub(c.Cost(qYes, qNo))
}

// TradeCostNo is TradeCost for the NO side, via the symmetry
// C(a, b) == C(b, a).
func (c *Curve) TradeCostNo(qYes, qNo, deltaNo decimal.Decimal) decimal.Decimal {
	return c.TradeCost(qNo, qYes, deltaNo)
}

// MaxLoss is the pool's worst-case subsidy, b * ln 2 for binary outcomes.
func (c *Curve) MaxLoss() decimal.Decimal {
	return decimal.NewFromFloat(c.b.InexactFloat64() * math.Ln2).Round(ProbScale)
}
