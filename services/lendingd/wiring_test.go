package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"gemfi/native/lending"
	"gemfi/observability/logging"
	"gemfi/services/lending/server"
	"gemfi/services/lendingd/config"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lendingd.yaml")
	body := fmt.Sprintf(`
tls: {allow_insecure: true}
database: {driver: sqlite, dsn: "file:%s?mode=memory&cache=shared"}
stablecoins: [USDC]
lenders: [bob]
`, uuid.NewString())
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(logging.NewHandler(io.Discard, slog.LevelDebug))
}

func request(t *testing.T, app *application, assetID string, windowSeconds uint64) *lending.Loan {
	t.Helper()
	loan, err := app.engine.Request(context.Background(), lending.RequestParams{
		Borrower:             "alice",
		Stablecoin:           "usdc",
		Principal:            uint256.NewInt(1_000_000_000),
		InterestRateBps:      800,
		TermSeconds:          3600,
		InquiryWindowSeconds: windowSeconds,
		Collateral:           []lending.CollateralRef{{AssetID: assetID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("request %s: %v", assetID, err)
	}
	return loan
}

func TestBuildServesAndSweeps(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	app, err := build(ctx, testConfig(t), testLogger(), lending.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.Close()

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/assets/auragem-001", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("default catalog not served: status %d", rec.Code)
	}

	stale := request(t, app, "auragem-001", 60)
	active := request(t, app, "auragem-002", 3600)
	if _, err := app.engine.Fund(ctx, active.ID, "bob"); err != nil {
		t.Fatalf("fund with configured lender: %v", err)
	}
	if _, err := app.engine.Fund(ctx, stale.ID, "carol"); err == nil {
		t.Fatalf("expected unlisted lender to be refused")
	}

	clock.Advance(2 * time.Hour)
	app.sweep(ctx)

	got, err := app.engine.Get(ctx, stale.ID)
	if err != nil || got.State != lending.StateExpired {
		t.Fatalf("expected stale inquiry expired, got %v err %v", got, err)
	}
	got, err = app.engine.Get(ctx, active.ID)
	if err != nil || got.State != lending.StateLiquidated {
		t.Fatalf("expected matured loan liquidated, got %v err %v", got, err)
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	app, err := build(context.Background(), testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.runSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}

func TestBuildRejectsUnknownCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.toml")
	if _, err := build(context.Background(), cfg, testLogger()); err == nil {
		t.Fatalf("expected missing catalog to fail")
	}
}

func TestGRPCServesLifecycle(t *testing.T) {
	ctx := context.Background()
	app, err := build(ctx, testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.Close()
	loan := request(t, app, "auragem-003", 3600)

	listener := bufconn.Listen(1024 * 1024)
	grpcServer := app.grpcServer(nil)
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	defer grpcServer.Stop()

	conn, err := grpc.DialContext(ctx, "bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	defer conn.Close()

	in, err := structpb.NewStruct(map[string]any{"loanId": loan.ID})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	method := "/" + server.LendingServiceName + "/FundLoan"
	callCtx := metadata.AppendToOutgoingContext(ctx, "x-dev-subject", "bob", "x-dev-scopes", "lender")
	out := new(structpb.Struct)
	if err := conn.Invoke(callCtx, method, in, out); err != nil {
		t.Fatalf("fund over grpc: %v", err)
	}
	if got := out.GetFields()["state"].GetStringValue(); got != string(lending.StateActive) {
		t.Fatalf("expected active loan, got %q", got)
	}

	callCtx = metadata.AppendToOutgoingContext(ctx, "x-dev-subject", "alice", "x-dev-scopes", "borrower")
	if err := conn.Invoke(callCtx, method, in, new(structpb.Struct)); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected borrower funding to be denied, got %v", err)
	}
}
