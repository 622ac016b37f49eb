package stablecoins

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type memoryOverrides struct {
	values map[string]bool
	err    error
}

func (m *memoryOverrides) Stablecoin(_ context.Context, symbol string) (bool, bool, error) {
	if m.err != nil {
		return false, false, m.err
	}
	enabled, found := m.values[symbol]
	return enabled, found, nil
}

func (m *memoryOverrides) Stablecoins(context.Context) (map[string]bool, error) {
	return m.values, m.err
}

func TestRegistryDefaults(t *testing.T) {
	r := New([]string{"usdc", " USDT "}, nil)
	for symbol, want := range map[string]bool{"USDC": true, "usdt": true, "DAI": false, "": false} {
		got, err := r.Accepts(context.Background(), symbol)
		if err != nil || got != want {
			t.Fatalf("Accepts(%q) = %v, %v; want %v", symbol, got, err, want)
		}
	}
}

func TestRegistryOverrides(t *testing.T) {
	overrides := &memoryOverrides{values: map[string]bool{"USDT": false, "DAI": true}}
	r := New([]string{"USDC", "USDT"}, overrides)

	if ok, _ := r.Accepts(context.Background(), "usdt"); ok {
		t.Fatalf("expected override to disable USDT")
	}
	if ok, _ := r.Accepts(context.Background(), "dai"); !ok {
		t.Fatalf("expected override to enable DAI")
	}
	accepted, err := r.Accepted(context.Background())
	if err != nil {
		t.Fatalf("accepted: %v", err)
	}
	if !reflect.DeepEqual(accepted, []string{"DAI", "USDC"}) {
		t.Fatalf("unexpected accepted list %v", accepted)
	}

	overrides.err = errors.New("db down")
	if _, err := r.Accepts(context.Background(), "USDC"); err == nil {
		t.Fatalf("expected store error to surface")
	}
}
