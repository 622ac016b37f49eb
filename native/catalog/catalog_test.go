package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/holiman/uint256"

	nativecommon "gemfi/native/common"
)

var usdc = nativecommon.Denomination{Symbol: "USDC", Decimals: 6}

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	if c.Len() != 16 {
		t.Fatalf("expected 16 gems, got %d", c.Len())
	}
	if c.Unit().Symbol != "USDC" {
		t.Fatalf("unexpected unit %+v", c.Unit())
	}
	gem, err := c.Get("auragem-009")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gem.Category != "sapphire" || gem.BaseRateBps != 750 {
		t.Fatalf("unexpected gem %+v", gem)
	}
	// 3.0 ETH at 2,500 USDC/ETH, in micro USDC.
	if gem.Valuation.Uint64() != 7_500_000_000 {
		t.Fatalf("unexpected valuation %s", gem.Valuation.Dec())
	}
	if gem.BaseRate().String() != "0.075" {
		t.Fatalf("unexpected base rate %s", gem.BaseRate())
	}
	if got := c.Categories(); strings.Join(got, ",") != "ruby,citrine,sapphire,emerald" {
		t.Fatalf("unexpected categories %v", got)
	}
}

func TestGetUnknownAsset(t *testing.T) {
	if _, err := Default().Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListPreservesOrderAndFilters(t *testing.T) {
	c := Default()
	all := c.List("")
	for i, asset := range all {
		if i > 0 && all[i-1].ID >= asset.ID {
			t.Fatalf("list out of insertion order at %d", i)
		}
	}
	rubies := c.List("RUBY")
	if len(rubies) != 4 {
		t.Fatalf("expected 4 rubies, got %d", len(rubies))
	}
	rubies[0].Valuation.SetUint64(1)
	again, _ := c.Get(rubies[0].ID)
	if again.Valuation.Uint64() == 1 {
		t.Fatalf("list leaked internal state")
	}
}

func TestNewRejectsInvalidAssets(t *testing.T) {
	cases := map[string][]Asset{
		"duplicate": {
			{ID: "a", Valuation: uint256.NewInt(1), BaseRateBps: 100},
			{ID: "a", Valuation: uint256.NewInt(1), BaseRateBps: 100},
		},
		"zero valuation":  {{ID: "a", Valuation: uint256.NewInt(0), BaseRateBps: 100}},
		"rate too high":   {{ID: "a", Valuation: uint256.NewInt(1), BaseRateBps: 10_000}},
		"fungible supply": {{ID: "a", Kind: KindFungible, Valuation: uint256.NewInt(1), BaseRateBps: 100}},
		"unique supply":   {{ID: "a", Kind: KindUnique, Supply: 3, Valuation: uint256.NewInt(1), BaseRateBps: 100}},
	}
	for name, assets := range cases {
		if _, err := New("v1", usdc, assets); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	data := []byte(`
version = "v1"
[unit]
symbol = "USDC"
decimals = 6
[[assets]]
id = "a"
valuation = "10"
base_rate = "0.05"
colour = "red"
`)
	if _, err := Parse(data); err == nil || !strings.Contains(err.Error(), "unknown fields") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseFungibleAsset(t *testing.T) {
	data := []byte(`
version = "v2"
[unit]
symbol = "USDC"
decimals = 2
[[assets]]
id = "gold-gram"
category = "bullion"
kind = "fungible"
supply = 500
valuation = "65.10"
base_rate = "0.04"
`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	asset, err := c.Get("gold-gram")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if asset.Kind != KindFungible || asset.Supply != 500 || asset.Valuation.Uint64() != 6510 || asset.BaseRateBps != 400 {
		t.Fatalf("unexpected asset %+v", asset)
	}
	if c.Version() != "v2" {
		t.Fatalf("unexpected version %s", c.Version())
	}
}
