package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	nativecommon "gemfi/native/common"
)

// Kind discriminates collateral that is held as an interchangeable quantity
// from one-of-a-kind items.
type Kind string

const (
	KindUnique   Kind = "unique"
	KindFungible Kind = "fungible"
)

var (
	ErrNotFound       = errors.New("catalog: asset not found")
	ErrDuplicateAsset = errors.New("catalog: duplicate asset id")
	ErrInvalidAsset   = errors.New("catalog: invalid asset")
)

// Asset is an immutable catalog entry eligible for use as loan collateral.
type Asset struct {
	ID       string
	Name     string
	Category string
	Cut      string
	Color    string
	Kind     Kind
	// Supply is the number of units that may be locked at once. Unique
	// assets always carry a supply of one.
	Supply uint64
	// Valuation is expressed in minimum units of the catalog denomination.
	Valuation *uint256.Int
	// BaseRateBps is the annualised base interest rate in basis points.
	BaseRateBps uint64
}

// BaseRate returns the annualised base rate as a fraction, e.g. 0.08.
func (a Asset) BaseRate() decimal.Decimal {
	return decimal.New(int64(a.BaseRateBps), -4)
}

// Clone returns a deep copy of the asset.
func (a Asset) Clone() Asset {
	clone := a
	clone.Valuation = nativecommon.CloneAmount(a.Valuation)
	return clone
}

func (a Asset) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidAsset)
	}
	if a.Valuation == nil || a.Valuation.IsZero() {
		return fmt.Errorf("%w: %s valuation must be positive", ErrInvalidAsset, a.ID)
	}
	if a.BaseRateBps == 0 || a.BaseRateBps >= 10_000 {
		return fmt.Errorf("%w: %s base rate must be between 0 and 1", ErrInvalidAsset, a.ID)
	}
	switch a.Kind {
	case KindUnique:
		if a.Supply != 1 {
			return fmt.Errorf("%w: %s unique assets carry a supply of one", ErrInvalidAsset, a.ID)
		}
	case KindFungible:
		if a.Supply == 0 {
			return fmt.Errorf("%w: %s supply must be positive", ErrInvalidAsset, a.ID)
		}
	default:
		return fmt.Errorf("%w: %s unknown kind %q", ErrInvalidAsset, a.ID, a.Kind)
	}
	return nil
}

// Catalog is a read-only, insertion ordered registry of collateral eligible
// assets. It is built once from configuration and never mutated afterwards,
// so it is safe for concurrent readers without locking.
type Catalog struct {
	version string
	unit    nativecommon.Denomination
	order   []string
	assets  map[string]Asset
}

// New validates the supplied assets and builds a catalog preserving their
// order.
func New(version string, unit nativecommon.Denomination, assets []Asset) (*Catalog, error) {
	if err := unit.Validate(); err != nil {
		return nil, fmt.Errorf("catalog unit: %w", err)
	}
	c := &Catalog{
		version: strings.TrimSpace(version),
		unit:    unit,
		order:   make([]string, 0, len(assets)),
		assets:  make(map[string]Asset, len(assets)),
	}
	for _, asset := range assets {
		asset.ID = strings.TrimSpace(asset.ID)
		asset.Category = strings.TrimSpace(asset.Category)
		if asset.Kind == "" {
			asset.Kind = KindUnique
		}
		if asset.Kind == KindUnique && asset.Supply == 0 {
			asset.Supply = 1
		}
		if err := asset.validate(); err != nil {
			return nil, err
		}
		if _, exists := c.assets[asset.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset.ID)
		}
		c.assets[asset.ID] = asset.Clone()
		c.order = append(c.order, asset.ID)
	}
	return c, nil
}

// Version identifies the configuration revision the catalog was loaded from.
func (c *Catalog) Version() string { return c.version }

// Unit is the denomination every valuation is expressed in.
func (c *Catalog) Unit() nativecommon.Denomination { return c.unit }

// Len reports the number of assets.
func (c *Catalog) Len() int { return len(c.order) }

// Get returns the asset registered under id.
func (c *Catalog) Get(id string) (Asset, error) {
	asset, ok := c.assets[strings.TrimSpace(id)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return asset.Clone(), nil
}

// List returns the assets in insertion order. A non-empty category restricts
// the result to matching assets, compared case-insensitively.
func (c *Catalog) List(category string) []Asset {
	category = strings.TrimSpace(category)
	out := make([]Asset, 0, len(c.order))
	for _, id := range c.order {
		asset := c.assets[id]
		if category != "" && !strings.EqualFold(asset.Category, category) {
			continue
		}
		out = append(out, asset.Clone())
	}
	return out
}

// Categories returns the distinct categories in first-seen order.
func (c *Catalog) Categories() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, id := range c.order {
		cat := strings.ToLower(c.assets[id].Category)
		if _, ok := seen[cat]; ok || cat == "" {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	return out
}
