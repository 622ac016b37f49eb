package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandlerRewritesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Warn("loan expired", slog.Uint64("loan_id", 7))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug to be filtered, got %d lines", len(lines))
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["severity"] != "WARN" || record["message"] != "loan expired" {
		t.Fatalf("unexpected record %v", record)
	}
	if _, ok := record["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", record)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestSetupWritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "lendingd.log")
	logger, closer := SetupWithOptions(Options{Service: "lendingd", Env: "test", File: path})
	logger.Info("started")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"service":"lendingd"`) {
		t.Fatalf("expected service attribute in %s", data)
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("borrower", "0x52908400098527886E0F7030069857D2E4169EE7"); attr.Value.String() != "…9EE7" {
		t.Fatalf("expected borrower to be abbreviated, got %v", attr)
	}
	if attr := MaskField("Lender", "bob"); attr.Value.String() != RedactedValue || attr.Key != "Lender" {
		t.Fatalf("expected short lender to be redacted, got %v", attr)
	}
	if attr := MaskField("passphrase", "correct horse battery staple"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected secret to be redacted, got %v", attr)
	}
	if attr := MaskField("loan_id", "7"); attr.Value.String() != "7" {
		t.Fatalf("expected loan_id to pass through, got %v", attr)
	}
	if attr := MaskField("lender", ""); attr.Value.String() != "" {
		t.Fatalf("expected empty value to pass through, got %v", attr)
	}
}

func TestHandlerMasksIdentities(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo)).With(slog.String("actor", "admin-operator-1"))
	logger.Info("loan funded",
		slog.Uint64("loan_id", 3),
		slog.String("lender", "0x00000000000000000000000000000000000000cc"),
		slog.String("api_key", "k-123"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["lender"] != "…00cc" || record["actor"] != "…or-1" {
		t.Fatalf("identities not masked: %v", record)
	}
	if record["api_key"] != RedactedValue {
		t.Fatalf("secret not redacted: %v", record)
	}
	if record["loan_id"] != float64(3) {
		t.Fatalf("loan_id altered: %v", record)
	}
	for _, key := range SensitiveKeys() {
		if !IsSensitive(strings.ToUpper(key)) {
			t.Fatalf("key %q must match case-insensitively", key)
		}
	}
}
