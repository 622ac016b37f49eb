package lending

import (
	"github.com/holiman/uint256"

	"gemfi/native/catalog"
)

// Policy derives loan limits from collateral valuations. It holds no state
// beyond its ratios and is safe for concurrent use.
type Policy struct {
	params RiskParameters
}

// NewPolicy validates the ratios and returns a policy bound to them.
func NewPolicy(params RiskParameters) (Policy, error) {
	if err := params.Validate(); err != nil {
		return Policy{}, err
	}
	return Policy{params: params}, nil
}

// DefaultPolicy uses the 70% / 85% ratios.
func DefaultPolicy() Policy {
	return Policy{params: DefaultRiskParameters()}
}

// Params returns the ratios backing the policy.
func (p Policy) Params() RiskParameters { return p.params }

// MaxLoanAmount returns valuation × quantity × maxLTV rounded down to the
// minimum unit.
func (p Policy) MaxLoanAmount(asset catalog.Asset, quantity int64) (*uint256.Int, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return p.MaxLoanForValue(valueOf(asset.Valuation, uint64(quantity))), nil
}

// LiquidationThreshold returns valuation × quantity × liquidation ratio
// rounded down to the minimum unit.
func (p Policy) LiquidationThreshold(asset catalog.Asset, quantity int64) (*uint256.Int, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return p.ThresholdForValue(valueOf(asset.Valuation, uint64(quantity))), nil
}

// MaxLoanForValue applies the LTV ratio to an aggregate collateral value.
func (p Policy) MaxLoanForValue(value *uint256.Int) *uint256.Int {
	return mulBpsFloor(value, p.params.MaxLTVBps)
}

// ThresholdForValue applies the liquidation ratio to an aggregate collateral
// value.
func (p Policy) ThresholdForValue(value *uint256.Int) *uint256.Int {
	return mulBpsFloor(value, p.params.LiquidationThresholdBps)
}

// MaxLoanForCollateral sums the value of every item before applying the LTV
// ratio, so rounding happens once per loan rather than once per item.
func (p Policy) MaxLoanForCollateral(items []CollateralItem) *uint256.Int {
	return p.MaxLoanForValue(collateralValue(items, nil))
}

// ThresholdForCollateral is the liquidation threshold for a collateral set.
// valuations overrides the per-unit valuation of the listed assets.
func (p Policy) ThresholdForCollateral(items []CollateralItem, valuations map[string]*uint256.Int) *uint256.Int {
	return p.ThresholdForValue(collateralValue(items, valuations))
}

func collateralValue(items []CollateralItem, valuations map[string]*uint256.Int) *uint256.Int {
	total := new(uint256.Int)
	for _, item := range items {
		unit := item.Valuation
		if current, ok := valuations[item.AssetID]; ok && current != nil {
			unit = current
		}
		total = addSaturating(total, valueOf(unit, item.Quantity))
	}
	return total
}
