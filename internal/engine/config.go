package engine

import "github.com/shopspring/decimal"

// Config carries the tunable parameters of the matching core.
type Config struct {
	// TakerFeeRate applies to incoming orders consuming liquidity.
	TakerFeeRate decimal.Decimal

	// MakerFeeRate applies to resting orders supplying liquidity.
	// Kept strictly below the taker rate to reward resting liquidity.
	MakerFeeRate decimal.Decimal

	// SlippageTolerance pads a market order's fund reservation above the
	// reference price.
	SlippageTolerance decimal.Decimal

	// MaxCandidates caps resting orders scanned per matching pass so a
	// pathological book cannot stall a single call. Remainder falls
	// through to the AMM or rests.
	MaxCandidates int

	// PoolLiquidity is the LMSR b parameter for pools created on an
	// event's first AMM fill. Higher b means smaller price impact.
	PoolLiquidity decimal.Decimal

	// MaxPositionPerEvent caps the absolute net position on one
	// (event, side). Zero disables the check.
	MaxPositionPerEvent decimal.Decimal

	// MaxTotalExposure caps the aggregate absolute exposure across all
	// of a user's positions. Zero disables the check.
	MaxTotalExposure decimal.Decimal
}

// DefaultConfig returns the production defaults: 2% taker / 1% maker,
// 10% slippage tolerance, 50 candidates per pass, b = 1000, 10k shares
// per event and 50k aggregate exposure.
func DefaultConfig() Config {
	return Config{
		TakerFeeRate:        decimal.NewFromFloat(0.02),
		MakerFeeRate:        decimal.NewFromFloat(0.01),
		SlippageTolerance:   decimal.NewFromFloat(0.10),
		MaxCandidates:       50,
		PoolLiquidity:       decimal.NewFromInt(1000),
		MaxPositionPerEvent: decimal.NewFromInt(10000),
		MaxTotalExposure:    decimal.NewFromInt(50000),
	}
}
