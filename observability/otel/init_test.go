package otel

import (
	"context"
	"strings"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("authorization=Bearer abc, x-tenant = gemfi,,broken, =empty")
	if len(headers) != 2 {
		t.Fatalf("expected two headers, got %v", headers)
	}
	if headers["authorization"] != "Bearer abc" || headers["x-tenant"] != "gemfi" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil || !strings.Contains(err.Error(), "service name") {
		t.Fatalf("expected service name error, got %v", err)
	}
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerDescription(t *testing.T) {
	if desc := (Config{SampleRatio: 0.25}).sampler().Description(); !strings.Contains(desc, "TraceIDRatioBased") {
		t.Fatalf("expected ratio sampler, got %s", desc)
	}
	if desc := (Config{}).sampler().Description(); !strings.Contains(desc, "AlwaysOnSampler") {
		t.Fatalf("expected always-on sampler, got %s", desc)
	}
}
