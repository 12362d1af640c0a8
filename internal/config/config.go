// Package config defines the top-level configuration for the flash-loan
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLASHARB_* environment variables.
type Config struct {
	Engine     EngineConfig     `toml:"engine"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Profit     ProfitConfig     `toml:"profit"`
	Routes     RoutesConfig     `toml:"routes"`
	Gas        GasConfig        `toml:"gas"`
	Lender     LenderConfig     `toml:"lender"`
	Tokens     []TokenConfig    `toml:"tokens"`
	Venues     []VenueConfig    `toml:"venues"`
	Balances   []BalanceConfig  `toml:"balances"`
	Volatility VolatilityConfig `toml:"volatility"`
	Chain      ChainConfig      `toml:"chain"`
	Wallet     WalletConfig     `toml:"wallet"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	LogFile    string           `toml:"log_file"`
}

// EngineConfig holds orchestrator parameters.
type EngineConfig struct {
	Address         string   `toml:"address"`
	MEVBlockSpacing uint64   `toml:"mev_block_spacing"`
	ExecutionBudget duration `toml:"execution_budget"`
	MaxGasPriceGwei float64  `toml:"max_gas_price_gwei"`
	HistorySize     int      `toml:"history_size"`
	Executors       []string `toml:"executors"`
	Admins          []string `toml:"admins"`
}

// BreakerConfig holds circuit breaker limits. MaxVolume is a base-unit
// integer string so it can exceed 64 bits.
type BreakerConfig struct {
	MaxVolume       string   `toml:"max_volume"`
	MaxTrades       uint64   `toml:"max_trades"`
	Period          duration `toml:"period"`
	WarningRatioBps uint32   `toml:"warning_ratio_bps"`
}

// ProfitConfig holds the dynamic minimum-profit parameters and the
// distribution of realized profit.
type ProfitConfig struct {
	BaseBps              uint32        `toml:"base_bps"`
	VolatilityMultiplier uint32        `toml:"volatility_multiplier"`
	MaxBps               uint32        `toml:"max_bps"`
	Shares               []ShareConfig `toml:"shares"`
}

// ShareConfig is one profit recipient.
type ShareConfig struct {
	Recipient string `toml:"recipient"`
	Bps       uint32 `toml:"bps"`
}

// RoutesConfig holds route validation and blacklisting policy.
type RoutesConfig struct {
	MaxHops          int    `toml:"max_hops"`
	FailureThreshold uint32 `toml:"failure_threshold"`
	DivergenceBps    uint32 `toml:"divergence_bps"`
}

// GasConfig is the gas schedule charged to each execution.
type GasConfig struct {
	Base      uint64 `toml:"base"`
	Loan      uint64 `toml:"loan"`
	PerLeg    uint64 `toml:"per_leg"`
	PerPayout uint64 `toml:"per_payout"`
}

// LenderConfig describes the flash-loan vault.
type LenderConfig struct {
	Address string `toml:"address"`
	FeeBps  uint32 `toml:"fee_bps"`
}

// TokenConfig registers token metadata used for display.
type TokenConfig struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals int32  `toml:"decimals"`
}

// VenueConfig defines one venue and its pools. Kind is one of
// constant_product, stable_swap or aggregator.
type VenueConfig struct {
	Address string       `toml:"address"`
	Kind    string       `toml:"kind"`
	Amp     uint64       `toml:"amp"`
	Members []string     `toml:"members"`
	Pools   []PoolConfig `toml:"pools"`
}

// PoolConfig seeds a pool's reserves in base units.
type PoolConfig struct {
	TokenA   string `toml:"token_a"`
	TokenB   string `toml:"token_b"`
	Fee      uint32 `toml:"fee"`
	ReserveA string `toml:"reserve_a"`
	ReserveB string `toml:"reserve_b"`
}

// BalanceConfig seeds an account balance in base units.
type BalanceConfig struct {
	Token  string `toml:"token"`
	Holder string `toml:"holder"`
	Amount string `toml:"amount"`
}

// VolatilityConfig holds the volatility sampler parameters.
type VolatilityConfig struct {
	Enabled  bool                   `toml:"enabled"`
	Interval duration               `toml:"interval"`
	Window   int                    `toml:"window"`
	Pairs    []VolatilityPairConfig `toml:"pairs"`
}

// VolatilityPairConfig is a reference pair quoted on every sample.
type VolatilityPairConfig struct {
	Venue    string `toml:"venue"`
	TokenIn  string `toml:"token_in"`
	TokenOut string `toml:"token_out"`
	Fee      uint32 `toml:"fee"`
	AmountIn string `toml:"amount_in"`
}

// ChainConfig holds the optional RPC connection used for block number and
// gas price, and the on-chain quoter used as a reference oracle.
type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	ChainID       int64    `toml:"chain_id"`
	QuoterAddress string   `toml:"quoter_address"`
	Timeout       duration `toml:"timeout"`
}

// WalletConfig holds the operator key. The operator address is used as the
// caller for one-shot executions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Namespace prefixes every
// key; processes sharing it share one breaker window, route table and
// execution lock.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
	Namespace    string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving old trade results to object storage. A
// five-field Cron expression takes precedence over Interval.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	Cron          string   `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled          bool     `toml:"enabled"`
	Port             int      `toml:"port"`
	CORSOrigins      []string `toml:"cors_origins"`
	APIKey           string   `toml:"api_key"`
	RateLimit        int      `toml:"rate_limit"`
	RateLimitWindow  duration `toml:"rate_limit_window"`
	SignatureMaxSkew duration `toml:"signature_max_skew"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			MEVBlockSpacing: 1,
			ExecutionBudget: duration{10 * time.Second},
			MaxGasPriceGwei: 500,
			HistorySize:     256,
		},
		Breaker: BreakerConfig{
			MaxVolume:       "1000000000000000000000000",
			MaxTrades:       1000,
			Period:          duration{time.Hour},
			WarningRatioBps: 8000,
		},
		Profit: ProfitConfig{
			BaseBps:              10,
			VolatilityMultiplier: 1,
			MaxBps:               500,
		},
		Routes: RoutesConfig{
			MaxHops:          4,
			FailureThreshold: 3,
		},
		Gas: GasConfig{
			Base:      21_000,
			Loan:      60_000,
			PerLeg:    110_000,
			PerPayout: 30_000,
		},
		Lender: LenderConfig{
			FeeBps: 9,
		},
		Volatility: VolatilityConfig{
			Enabled:  false,
			Interval: duration{30 * time.Second},
			Window:   20,
		},
		Chain: ChainConfig{
			ChainID: 1,
			Timeout: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "flasharb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
			Namespace:    "flasharb",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flasharb-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000"},
			RateLimit:        60,
			RateLimitWindow:  duration{time.Minute},
			SignatureMaxSkew: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_succeeded", "trade_failed", "breaker_transition", "route_failed"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"execute": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validVenueKinds = map[string]bool{
	"constant_product": true,
	"stable_swap":      true,
	"aggregator":       true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, execute)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if !isAddress(c.Engine.Address) {
		errs = append(errs, fmt.Sprintf("engine: address %q is not a hex address", c.Engine.Address))
	}
	if c.Engine.ExecutionBudget.Duration < 0 {
		errs = append(errs, "engine: execution_budget must be >= 0")
	}
	if c.Engine.MaxGasPriceGwei < 0 {
		errs = append(errs, "engine: max_gas_price_gwei must be >= 0")
	}
	if len(c.Engine.Admins) == 0 {
		errs = append(errs, "engine: at least one admin address is required")
	}
	errs = appendBadAddresses(errs, "engine.admins", c.Engine.Admins)
	errs = appendBadAddresses(errs, "engine.executors", c.Engine.Executors)

	// Breaker
	if _, ok := parseAmount(c.Breaker.MaxVolume); !ok {
		errs = append(errs, fmt.Sprintf("breaker: max_volume %q must be a non-negative integer", c.Breaker.MaxVolume))
	}
	if c.Breaker.Period.Duration <= 0 {
		errs = append(errs, "breaker: period must be > 0")
	}
	if c.Breaker.WarningRatioBps > 10_000 {
		errs = append(errs, "breaker: warning_ratio_bps must be <= 10000")
	}

	// Profit
	if c.Profit.MaxBps > 10_000 {
		errs = append(errs, "profit: max_bps must be <= 10000")
	}
	if c.Profit.MaxBps > 0 && c.Profit.BaseBps > c.Profit.MaxBps {
		errs = append(errs, "profit: base_bps must not exceed max_bps")
	}
	var shareTotal uint32
	for i, s := range c.Profit.Shares {
		if !isAddress(s.Recipient) {
			errs = append(errs, fmt.Sprintf("profit.shares[%d]: recipient %q is not a hex address", i, s.Recipient))
		}
		shareTotal += s.Bps
	}
	if shareTotal > 10_000 {
		errs = append(errs, fmt.Sprintf("profit: shares total %d bps exceeds 10000", shareTotal))
	}

	// Routes
	if c.Routes.MaxHops < 1 {
		errs = append(errs, "routes: max_hops must be >= 1")
	}
	if c.Routes.DivergenceBps > 10_000 {
		errs = append(errs, "routes: divergence_bps must be <= 10000")
	}

	// Lender
	if !isAddress(c.Lender.Address) {
		errs = append(errs, fmt.Sprintf("lender: address %q is not a hex address", c.Lender.Address))
	}
	if c.Lender.FeeBps > 10_000 {
		errs = append(errs, "lender: fee_bps must be <= 10000")
	}

	// Tokens, venues, balances
	for i, t := range c.Tokens {
		if !isAddress(t.Address) {
			errs = append(errs, fmt.Sprintf("tokens[%d]: address %q is not a hex address", i, t.Address))
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("tokens[%d]: decimals must be 0-36", i))
		}
	}
	if len(c.Venues) == 0 {
		errs = append(errs, "venues: at least one venue is required")
	}
	for i, v := range c.Venues {
		errs = append(errs, v.validate(i)...)
	}
	for i, b := range c.Balances {
		if !isAddress(b.Token) || !isAddress(b.Holder) {
			errs = append(errs, fmt.Sprintf("balances[%d]: token and holder must be hex addresses", i))
		}
		if _, ok := parseAmount(b.Amount); !ok {
			errs = append(errs, fmt.Sprintf("balances[%d]: amount %q must be a non-negative integer", i, b.Amount))
		}
	}

	// Volatility
	if c.Volatility.Enabled {
		if c.Volatility.Interval.Duration <= 0 {
			errs = append(errs, "volatility: interval must be > 0 when enabled")
		}
		if c.Volatility.Window < 2 {
			errs = append(errs, "volatility: window must be >= 2")
		}
		if len(c.Volatility.Pairs) == 0 {
			errs = append(errs, "volatility: at least one pair is required when enabled")
		}
	}

	// Chain
	if c.Chain.QuoterAddress != "" && c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url is required when quoter_address is set")
	}

	// Wallet: execute mode needs an operator identity.
	if strings.ToLower(c.Mode) == "execute" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode execute")
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 and archive
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			errs = append(errs, "archive: requires both s3 and postgres to be enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Cron != "" && len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have 5 fields", c.Archive.Cron))
		}
		if c.Archive.Cron == "" && c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive when cron is not set")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (v VenueConfig) validate(i int) []string {
	var errs []string
	prefix := fmt.Sprintf("venues[%d]", i)
	if !isAddress(v.Address) {
		errs = append(errs, fmt.Sprintf("%s: address %q is not a hex address", prefix, v.Address))
	}
	if !validVenueKinds[v.Kind] {
		errs = append(errs, fmt.Sprintf("%s: unknown kind %q (valid: constant_product, stable_swap, aggregator)", prefix, v.Kind))
	}
	switch v.Kind {
	case "stable_swap":
		if v.Amp == 0 {
			errs = append(errs, prefix+": amp must be > 0 for stable_swap")
		}
	case "aggregator":
		if len(v.Members) == 0 {
			errs = append(errs, prefix+": aggregator needs at least one member")
		}
		errs = appendBadAddresses(errs, prefix+".members", v.Members)
	}
	for j, p := range v.Pools {
		if !isAddress(p.TokenA) || !isAddress(p.TokenB) {
			errs = append(errs, fmt.Sprintf("%s.pools[%d]: token_a and token_b must be hex addresses", prefix, j))
		}
		if p.Fee >= 1_000_000 {
			errs = append(errs, fmt.Sprintf("%s.pools[%d]: fee must be < 1000000", prefix, j))
		}
		_, okA := parseAmount(p.ReserveA)
		_, okB := parseAmount(p.ReserveB)
		if !okA || !okB {
			errs = append(errs, fmt.Sprintf("%s.pools[%d]: reserves must be non-negative integers", prefix, j))
		}
	}
	return errs
}

// MaxVolumeInt returns the parsed breaker volume limit.
func (b BreakerConfig) MaxVolumeInt() *big.Int {
	n, _ := parseAmount(b.MaxVolume)
	return n
}

// MaxGasPriceWei converts the configured gwei ceiling. Zero disables the check.
func (e EngineConfig) MaxGasPriceWei() *big.Int {
	if e.MaxGasPriceGwei <= 0 {
		return nil
	}
	f := new(big.Float).Mul(big.NewFloat(e.MaxGasPriceGwei), big.NewFloat(1e9))
	wei, _ := f.Int(nil)
	return wei
}

// ParseAmount parses a non-negative base-unit integer. An empty string is
// zero.
func ParseAmount(s string) (*big.Int, error) {
	n, ok := parseAmount(s)
	if !ok {
		return nil, fmt.Errorf("config: invalid amount %q", s)
	}
	return n, nil
}

func parseAmount(s string) (*big.Int, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if s == "" {
		return new(big.Int), true
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func isAddress(s string) bool {
	return common.IsHexAddress(s)
}

func appendBadAddresses(errs []string, field string, addrs []string) []string {
	for i, a := range addrs {
		if !isAddress(a) {
			errs = append(errs, fmt.Sprintf("%s[%d]: %q is not a hex address", field, i, a))
		}
	}
	return errs
}

// Addresses converts hex strings that already passed Validate.
func Addresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		out = append(out, common.HexToAddress(s))
	}
	return out
}
