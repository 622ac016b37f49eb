package lending

import "fmt"

const (
	DefaultMaxLTVBps               = 7_000
	DefaultLiquidationThresholdBps = 8_500
)

// RiskParameters captures the protocol wide ratios applied to collateral
// valuations.
type RiskParameters struct {
	// MaxLTVBps bounds the principal relative to collateral value at request
	// time.
	MaxLTVBps uint64 `yaml:"max_ltv_bps" json:"maxLtvBps"`
	// LiquidationThresholdBps is the obligation to collateral ratio at or
	// above which a loan may be liquidated.
	LiquidationThresholdBps uint64 `yaml:"liquidation_threshold_bps" json:"liquidationThresholdBps"`
}

// DefaultRiskParameters returns the 70% LTV / 85% liquidation defaults.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxLTVBps:               DefaultMaxLTVBps,
		LiquidationThresholdBps: DefaultLiquidationThresholdBps,
	}
}

// Validate ensures the ratios are ordered and expressed in basis points.
func (p RiskParameters) Validate() error {
	if p.MaxLTVBps == 0 || p.MaxLTVBps > basisPoints {
		return fmt.Errorf("%w: max ltv must be within (0, 10000] bps", ErrInvalidParameter)
	}
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > basisPoints {
		return fmt.Errorf("%w: liquidation threshold must be within (0, 10000] bps", ErrInvalidParameter)
	}
	if p.LiquidationThresholdBps < p.MaxLTVBps {
		return fmt.Errorf("%w: liquidation threshold below max ltv", ErrInvalidParameter)
	}
	return nil
}

// Lending actions that may be paused independently by operators.
const (
	ActionRequest   = "request"
	ActionFund      = "fund"
	ActionRepay     = "repay"
	ActionLiquidate = "liquidate"
)
