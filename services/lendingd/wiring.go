package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"gemfi/gateway/middleware"
	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
	"gemfi/native/lending"
	"gemfi/observability"
	"gemfi/services/lending/assistant"
	"gemfi/services/lending/authz"
	"gemfi/services/lending/custody"
	"gemfi/services/lending/pricefeed"
	"gemfi/services/lending/server"
	"gemfi/services/lending/stablecoins"
	"gemfi/services/lendingd/config"
	"gemfi/services/lendingd/internal/passphrase"
	"gemfi/storage/journal"
	"gemfi/storage/sqlstore"
)

type application struct {
	handler http.Handler
	rpc     *server.Server
	engine  *lending.Engine
	logger  *slog.Logger
	closers []io.Closer
}

// build opens the stores and assembles the engine with its collaborators.
// extra options are applied after the configured ones.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...lending.Option) (*application, error) {
	app := &application{logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	store, err := sqlstore.Open(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.closers = append(app.closers, store)

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}

	var events *journal.Journal
	if cfg.JournalPath != "" {
		events, err = journal.Open(cfg.JournalPath)
	} else {
		events, err = journal.OpenMemory()
	}
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, events)

	paused, err := store.PausedActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pauses: %w", err)
	}
	pauses := nativecommon.NewPauses(paused...)
	if len(paused) > 0 {
		logger.Warn("lending actions paused at startup", slog.Any("actions", paused))
	}

	policy, err := lending.NewPolicy(cfg.Risk)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	transferer, escrow, err := buildCustody(ctx, cfg, store, app)
	if err != nil {
		return nil, fmt.Errorf("custody: %w", err)
	}

	coins := stablecoins.New(cfg.Stablecoins, store)
	opts := []lending.Option{
		lending.WithPolicy(policy),
		lending.WithAuthorizer(authz.Any{
			authz.NewStatic(cfg.Lenders...),
			authz.NewStore(store, cfg.LenderLookup.Duration),
		}),
		lending.WithStablecoins(coins),
		lending.WithPauses(pauses),
		lending.WithEscrowAccount(escrow),
		lending.WithEventSink(events),
		lending.WithEventSink(observability.NewEventCounter(registry)),
		lending.WithMetrics(observability.NewLendingMetrics(registry)),
		lending.WithLogger(logger),
	}
	if cfg.PriceFeed.BaseURL != "" {
		feed, err := pricefeed.New(pricefeed.Config{
			BaseURL:  cfg.PriceFeed.BaseURL,
			APIKey:   cfg.PriceFeedAPIKey(),
			Timeout:  cfg.PriceFeed.Timeout.Duration,
			CacheTTL: cfg.PriceFeed.CacheTTL.Duration,
		}, cat.Unit())
		if err != nil {
			return nil, fmt.Errorf("price feed: %w", err)
		}
		opts = append(opts, lending.WithPriceFeed(feed))
	}
	opts = append(opts, extra...)
	engine, err := lending.NewEngine(cat, store, transferer, opts...)
	if err != nil {
		return nil, err
	}
	app.engine = engine

	srv, err := server.New(server.Options{
		Engine:      engine,
		Admin:       store,
		Pauses:      pauses,
		Stablecoins: coins,
		Events:      events,
		Assistant: assistant.New(assistant.Config{
			Endpoint: cfg.Assistant.Endpoint,
			APIKey:   cfg.AssistantAPIKey(),
			Model:    cfg.Assistant.Model,
			Timeout:  cfg.Assistant.Timeout.Duration,
		}),
		Idempotency: store,
		ExportDir:   cfg.ExportDir,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.Secret(),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimits: rateLimits(cfg.RateLimits),
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		WebsocketOrigins: cfg.WebsocketOrigins,
		Registry:         registry,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Auth.Enabled {
		logger.Warn("bearer authentication disabled; trusting development identity headers")
	}
	app.handler = srv.Handler()
	app.rpc = srv
	ok = true
	return app, nil
}

// grpcServer serves the lifecycle API over gRPC behind the same
// authenticator as the HTTP routes.
func (app *application) grpcServer(tlsCfg *tls.Config) *grpc.Server {
	options := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			otelgrpc.UnaryServerInterceptor(),
			app.rpc.UnaryAuthInterceptor(),
		),
	}
	if tlsCfg != nil {
		options = append(options, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(options...)
	app.rpc.RegisterGRPC(grpcServer)
	return grpcServer
}

func buildCustody(ctx context.Context, cfg config.Config, store *sqlstore.Store, app *application) (lending.CollateralTransferer, string, error) {
	escrow := cfg.EscrowAccount
	if cfg.Custody.Mode != config.CustodyEVM {
		if escrow == "" {
			escrow = "escrow"
		}
		return custody.NewBookEntry(store), escrow, nil
	}

	evmCfg := cfg.Custody.EVM
	secret, err := passphrase.NewSource(evmCfg.PassphraseEnv, "escrow keystore").Get()
	if err != nil {
		return nil, "", err
	}
	key, err := custody.LoadKey(evmCfg.Keystore, secret)
	if err != nil {
		return nil, "", err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := custody.DialChain(dialCtx, evmCfg.Endpoint)
	if err != nil {
		return nil, "", err
	}
	app.closers = append(app.closers, closerFunc(func() error { client.Close(); return nil }))

	tokens := make(map[string]custody.Token, len(evmCfg.Tokens))
	for assetID, token := range evmCfg.Tokens {
		tokens[assetID] = custody.Token{
			Contract:     common.HexToAddress(token.Contract),
			Standard:     token.Standard,
			TokenID:      token.ParsedTokenID(),
			UnitsPerItem: token.ParsedUnitsPerItem(),
		}
	}
	accounts := make(map[string]common.Address, len(evmCfg.Accounts))
	for name, addr := range evmCfg.Accounts {
		accounts[name] = common.HexToAddress(addr)
	}
	transferer, err := custody.NewEVM(client, key, custody.EVMConfig{
		ChainID:       big.NewInt(evmCfg.ChainID),
		Tokens:        tokens,
		Accounts:      accounts,
		PollInterval:  evmCfg.PollInterval.Duration,
		GasLimitBoost: evmCfg.GasLimitBoost,
		Submissions:   store,
	})
	if err != nil {
		return nil, "", err
	}
	if escrow == "" {
		escrow = transferer.Address().Hex()
	}
	app.logger.Info("on-chain custody enabled",
		slog.String("escrow", transferer.Address().Hex()),
		slog.Int64("chain_id", evmCfg.ChainID),
		slog.Int("tokens", len(tokens)))
	return transferer, escrow, nil
}

func rateLimits(in map[string]config.RateLimitConfig) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(in))
	for group, limit := range in {
		out[group] = middleware.RateLimit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}
	return out
}

// runSweeper expires stale inquiries and liquidates matured loans until ctx
// is cancelled.
func (a *application) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *application) sweep(ctx context.Context) {
	expired, err := a.engine.ExpireStale(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("expire sweep failed", slog.Any("error", err))
	}
	liquidated, err := a.engine.LiquidateMatured(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("maturity sweep failed", slog.Any("error", err))
	}
	if expired > 0 || liquidated > 0 {
		a.logger.Info("lifecycle sweep",
			slog.Int("expired", expired),
			slog.Int("liquidated", liquidated))
	}
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close resource", slog.Any("error", err))
		}
	}
	a.closers = nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	return tlsCfg, nil
}
