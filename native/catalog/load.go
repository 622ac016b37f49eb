package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	nativecommon "gemfi/native/common"
)

//go:embed default.toml
var defaultCatalog []byte

type fileCatalog struct {
	Version string                    `toml:"version"`
	Unit    nativecommon.Denomination `toml:"unit"`
	Assets  []fileAsset               `toml:"assets"`
}

type fileAsset struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Category  string `toml:"category"`
	Cut       string `toml:"cut"`
	Color     string `toml:"color"`
	Kind      string `toml:"kind"`
	Supply    uint64 `toml:"supply"`
	Valuation string `toml:"valuation"`
	BaseRate  string `toml:"base_rate"`
}

// Default returns the AuraGem launch catalog bundled with the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default invalid: %v", err))
	}
	return c
}

// Load reads a TOML catalog from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a TOML catalog. Unknown keys are rejected so typos in
// operator supplied files do not silently drop attributes.
func Parse(data []byte) (*Catalog, error) {
	var parsed fileCatalog
	meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&parsed)
	if err != nil {
		return nil, fmt.Errorf("catalog: decode toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("catalog: unknown fields %v", undecoded)
	}
	if strings.TrimSpace(parsed.Version) == "" {
		return nil, fmt.Errorf("catalog: version required")
	}
	assets := make([]Asset, 0, len(parsed.Assets))
	for i, entry := range parsed.Assets {
		asset, err := entry.toAsset(parsed.Unit)
		if err != nil {
			return nil, fmt.Errorf("catalog: asset %d: %w", i, err)
		}
		assets = append(assets, asset)
	}
	return New(parsed.Version, parsed.Unit, assets)
}

func (f fileAsset) toAsset(unit nativecommon.Denomination) (Asset, error) {
	valuation, err := unit.Parse(f.Valuation)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %s valuation: %v", ErrInvalidAsset, f.ID, err)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(f.BaseRate))
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %s base rate: %v", ErrInvalidAsset, f.ID, err)
	}
	bps := rate.Shift(4)
	if !bps.IsInteger() || bps.Sign() <= 0 {
		return Asset{}, fmt.Errorf("%w: %s base rate %s not representable in basis points", ErrInvalidAsset, f.ID, f.BaseRate)
	}
	return Asset{
		ID:          f.ID,
		Name:        strings.TrimSpace(f.Name),
		Category:    f.Category,
		Cut:         strings.TrimSpace(f.Cut),
		Color:       strings.TrimSpace(f.Color),
		Kind:        Kind(strings.ToLower(strings.TrimSpace(f.Kind))),
		Supply:      f.Supply,
		Valuation:   valuation,
		BaseRateBps: uint64(bps.IntPart()),
	}, nil
}
