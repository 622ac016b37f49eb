package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"gemfi/native/lending"
)

const (
	defaultListen        = ":8443"
	defaultSweepInterval = time.Minute
	defaultLenderTimeout = 2 * time.Second

	CustodyBook = "book"
	CustodyEVM  = "evm"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string `yaml:"listen"`
	// GRPCListenAddress serves the lifecycle API over gRPC when set.
	GRPCListenAddress string                 `yaml:"grpc_listen"`
	TLS               TLSConfig              `yaml:"tls"`
	Database          DatabaseConfig         `yaml:"database"`
	CatalogPath       string                 `yaml:"catalog"`
	Risk              lending.RiskParameters `yaml:"risk"`
	EscrowAccount     string                 `yaml:"escrow_account"`
	Stablecoins       []string               `yaml:"stablecoins"`
	// Lenders are always authorized in addition to the persisted whitelist.
	Lenders          []string                   `yaml:"lenders"`
	LenderLookup     Duration                   `yaml:"lender_lookup_timeout"`
	Auth             AuthConfig                 `yaml:"auth"`
	RateLimits       map[string]RateLimitConfig `yaml:"rate_limits"`
	CORS             CORSConfig                 `yaml:"cors"`
	WebsocketOrigins []string                   `yaml:"websocket_origins"`
	Custody          CustodyConfig              `yaml:"custody"`
	PriceFeed        PriceFeedConfig            `yaml:"pricefeed"`
	Assistant        AssistantConfig            `yaml:"assistant"`
	Logging          LoggingConfig              `yaml:"logging"`
	Telemetry        TelemetryConfig            `yaml:"telemetry"`
	JournalPath      string                     `yaml:"journal"`
	SweepInterval    Duration                   `yaml:"sweep_interval"`
	ExportDir        string                     `yaml:"export_dir"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// DSNEnv names an environment variable that overrides DSN.
	DSNEnv string `yaml:"dsn_env"`
}

// AuthConfig configures bearer token validation. With Enabled false the
// service trusts development identity headers.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ScopeClaim    string   `yaml:"scope_claim"`
	ClockSkew     Duration `yaml:"clock_skew"`
}

type RateLimitConfig struct {
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// CustodyConfig selects how collateral moves out of escrow.
type CustodyConfig struct {
	Mode string    `yaml:"mode"`
	EVM  EVMConfig `yaml:"evm"`
}

type EVMConfig struct {
	Endpoint      string                 `yaml:"endpoint"`
	ChainID       int64                  `yaml:"chain_id"`
	Keystore      string                 `yaml:"keystore"`
	PassphraseEnv string                 `yaml:"passphrase_env"`
	PollInterval  Duration               `yaml:"poll_interval"`
	GasLimitBoost uint64                 `yaml:"gas_limit_boost"`
	Tokens        map[string]TokenConfig `yaml:"tokens"`
	Accounts      map[string]string      `yaml:"accounts"`
}

// TokenConfig maps one catalog asset to its on-chain representation.
type TokenConfig struct {
	Contract     string `yaml:"contract"`
	Standard     string `yaml:"standard"`
	TokenID      string `yaml:"token_id"`
	UnitsPerItem string `yaml:"units_per_item"`
}

type PriceFeedConfig struct {
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Timeout   Duration `yaml:"timeout"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

type AssistantConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Model     string   `yaml:"model"`
	Timeout   Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := Config{
		ListenAddress: defaultListen,
		Risk:          lending.DefaultRiskParameters(),
	}
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DatabaseDSN resolves the connection string, preferring the environment.
func (cfg Config) DatabaseDSN() string {
	if cfg.Database.DSNEnv != "" {
		if value := strings.TrimSpace(os.Getenv(cfg.Database.DSNEnv)); value != "" {
			return value
		}
	}
	return cfg.Database.DSN
}

// Secret resolves the HMAC signing secret, preferring the environment.
func (cfg AuthConfig) Secret() string {
	if cfg.HMACSecretEnv != "" {
		if value := strings.TrimSpace(os.Getenv(cfg.HMACSecretEnv)); value != "" {
			return value
		}
	}
	return cfg.HMACSecret
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

// PriceFeedAPIKey returns the price feed credential from the environment.
func (cfg Config) PriceFeedAPIKey() string { return envValue(cfg.PriceFeed.APIKeyEnv) }

// AssistantAPIKey returns the assistant credential from the environment.
func (cfg Config) AssistantAPIKey() string { return envValue(cfg.Assistant.APIKeyEnv) }

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.GRPCListenAddress = strings.TrimSpace(cfg.GRPCListenAddress)
	cfg.CatalogPath = strings.TrimSpace(cfg.CatalogPath)
	cfg.EscrowAccount = strings.TrimSpace(cfg.EscrowAccount)
	cfg.JournalPath = strings.TrimSpace(cfg.JournalPath)
	cfg.ExportDir = strings.TrimSpace(cfg.ExportDir)
	cfg.Stablecoins = trimAll(cfg.Stablecoins)
	cfg.Lenders = trimAll(cfg.Lenders)
	cfg.WebsocketOrigins = trimAll(cfg.WebsocketOrigins)
	cfg.CORS.AllowedOrigins = trimAll(cfg.CORS.AllowedOrigins)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	if cfg.SweepInterval.Duration == 0 {
		cfg.SweepInterval.Duration = defaultSweepInterval
	}
	if cfg.LenderLookup.Duration == 0 {
		cfg.LenderLookup.Duration = defaultLenderTimeout
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	cfg.Custody.Mode = strings.ToLower(strings.TrimSpace(cfg.Custody.Mode))
	if cfg.Custody.Mode == "" {
		cfg.Custody.Mode = CustodyBook
	}
	cfg.TLS.normalize()
}

func (cfg *Config) validate() error {
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" && cfg.Database.DSNEnv == "" {
		return errors.New("database: postgres requires dsn or dsn_env")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" && cfg.Auth.HMACSecretEnv == "" {
		return errors.New("auth: enabled auth requires hmac_secret or hmac_secret_env")
	}
	for group, limit := range cfg.RateLimits {
		if limit.RatePerSecond <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s: rate_per_second and burst must be positive", group)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry: sample_ratio must be within [0, 1]")
	}
	switch cfg.Custody.Mode {
	case CustodyBook:
	case CustodyEVM:
		if err := cfg.Custody.EVM.validate(); err != nil {
			return fmt.Errorf("custody.evm: %w", err)
		}
	default:
		return fmt.Errorf("custody: unknown mode %q", cfg.Custody.Mode)
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg EVMConfig) validate() error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("endpoint required")
	}
	if cfg.ChainID <= 0 {
		return errors.New("chain_id must be positive")
	}
	if strings.TrimSpace(cfg.Keystore) == "" {
		return errors.New("keystore required")
	}
	if len(cfg.Tokens) == 0 {
		return errors.New("at least one token mapping required")
	}
	for asset, token := range cfg.Tokens {
		if !common.IsHexAddress(token.Contract) {
			return fmt.Errorf("tokens.%s: invalid contract %q", asset, token.Contract)
		}
		switch strings.ToLower(token.Standard) {
		case "erc20", "erc721":
		default:
			return fmt.Errorf("tokens.%s: unknown standard %q", asset, token.Standard)
		}
		if _, err := parseBig(token.TokenID); err != nil {
			return fmt.Errorf("tokens.%s: token_id: %w", asset, err)
		}
		if _, err := parseBig(token.UnitsPerItem); err != nil {
			return fmt.Errorf("tokens.%s: units_per_item: %w", asset, err)
		}
	}
	for name, addr := range cfg.Accounts {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("accounts.%s: invalid address %q", name, addr)
		}
	}
	return nil
}

// ParsedTokenID parses the configured ERC721 token id; empty yields nil.
func (t TokenConfig) ParsedTokenID() *big.Int {
	v, _ := parseBig(t.TokenID)
	return v
}

// ParsedUnitsPerItem parses the ERC20 scaling factor; empty yields nil.
func (t TokenConfig) ParsedUnitsPerItem() *big.Int {
	v, _ := parseBig(t.UnitsPerItem)
	return v
}

func parseBig(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
