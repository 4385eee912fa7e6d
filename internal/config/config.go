package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"gaslessrelay/internal/validator"
)

const envPrefix = "RELAY"

// AppConfig is the whole relay configuration. Every key can be overridden
// from the environment, e.g. service.http_port as RELAY_SERVICE_HTTP_PORT.
type AppConfig struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Quotes    QuotesConfig    `mapstructure:"quotes"`
	FeeRate   FeeRateConfig   `mapstructure:"feerate"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Store     StoreConfig     `mapstructure:"store"`
	Assets    []AssetConfig   `mapstructure:"assets"`
	// AssetsFile points at a YAML or JSON document with an "assets" list.
	AssetsFile string `mapstructure:"assets_file"`
}

type ServiceConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	LogLevel        string        `mapstructure:"log_level"`
	HMACSecret      string        `mapstructure:"hmac_secret"`
	HMACClockSkew   time.Duration `mapstructure:"hmac_clock_skew"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ChainConfig struct {
	RPCURL        string `mapstructure:"rpc_url"`
	PrivateKey    string `mapstructure:"private_key"`
	ChainID       int64  `mapstructure:"chain_id"`
	RelayContract string `mapstructure:"relay_contract"`
	DomainName    string `mapstructure:"domain_name"`
	DomainVersion string `mapstructure:"domain_version"`
	FeeCollector  string `mapstructure:"fee_collector"`
}

type FeesConfig struct {
	Markup      string `mapstructure:"markup"`
	StaleMarkup string `mapstructure:"stale_markup"`
	StalePolicy string `mapstructure:"stale_policy"`
	// MinMarginWei is a base-10 integer.
	MinMarginWei string `mapstructure:"min_margin_wei"`
}

type QuotesConfig struct {
	URL           string            `mapstructure:"url"`
	PricePath     string            `mapstructure:"price_path"`
	TimePath      string            `mapstructure:"time_path"`
	SecondaryURL  string            `mapstructure:"secondary_url"`
	StaticPrices  map[string]string `mapstructure:"static_prices"`
	MaxAge        time.Duration     `mapstructure:"max_age"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RedisAddr     string            `mapstructure:"redis_addr"`
	RedisPrefix   string            `mapstructure:"redis_prefix"`
	RedisCacheTTL time.Duration     `mapstructure:"redis_cache_ttl"`
}

type FeeRateConfig struct {
	// FixedWei pins the fee rate when no node is configured.
	FixedWei   string        `mapstructure:"fixed_wei"`
	Schedule   string        `mapstructure:"schedule"`
	Window     int           `mapstructure:"window"`
	SpikeSigma float64       `mapstructure:"spike_sigma"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type BroadcastConfig struct {
	Workers           int           `mapstructure:"workers"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InclusionTimeout  time.Duration `mapstructure:"inclusion_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BumpPercent       string        `mapstructure:"bump_percent"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	// MaxHeld caps intents one sender may have waiting on an earlier nonce.
	MaxHeld int `mapstructure:"max_held"`
}

type StoreConfig struct {
	// Driver is one of memory, file or postgres.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type AssetConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int32  `mapstructure:"decimals"`
	GasUsage uint64 `mapstructure:"gas_usage"`
	Paused   bool   `mapstructure:"paused"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.hmac_secret", "")
	v.SetDefault("service.hmac_clock_skew", time.Minute)
	v.SetDefault("service.rate_limit", 10.0)
	v.SetDefault("service.rate_burst", 20)
	v.SetDefault("service.shutdown_timeout", 15*time.Second)

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.chain_id", 31337)
	v.SetDefault("chain.relay_contract", "")
	v.SetDefault("chain.domain_name", "GaslessRelay")
	v.SetDefault("chain.domain_version", "1")
	v.SetDefault("chain.fee_collector", "")

	v.SetDefault("fees.markup", "0.1")
	v.SetDefault("fees.stale_markup", "0.05")
	v.SetDefault("fees.stale_policy", "widen")
	v.SetDefault("fees.min_margin_wei", "0")

	v.SetDefault("quotes.url", "")
	v.SetDefault("quotes.price_path", "price")
	v.SetDefault("quotes.time_path", "")
	v.SetDefault("quotes.secondary_url", "")
	v.SetDefault("quotes.static_prices", map[string]string{})
	v.SetDefault("quotes.max_age", time.Minute)
	v.SetDefault("quotes.timeout", 3*time.Second)
	v.SetDefault("quotes.redis_addr", "")
	v.SetDefault("quotes.redis_prefix", "relay:quote:")
	v.SetDefault("quotes.redis_cache_ttl", time.Hour)

	v.SetDefault("feerate.fixed_wei", "1000000000")
	v.SetDefault("feerate.schedule", "@every 15s")
	v.SetDefault("feerate.window", 20)
	v.SetDefault("feerate.spike_sigma", 2.0)
	v.SetDefault("feerate.max_age", time.Minute)
	v.SetDefault("feerate.timeout", 5*time.Second)

	v.SetDefault("broadcast.workers", 4)
	v.SetDefault("broadcast.max_attempts", 3)
	v.SetDefault("broadcast.inclusion_timeout", 2*time.Minute)
	v.SetDefault("broadcast.poll_interval", 2*time.Second)
	v.SetDefault("broadcast.bump_percent", "12.5")
	v.SetDefault("broadcast.backoff_initial", 500*time.Millisecond)
	v.SetDefault("broadcast.backoff_max", 10*time.Second)
	v.SetDefault("broadcast.backoff_multiplier", 2.0)
	v.SetDefault("broadcast.sweep_schedule", "@every 10s")
	v.SetDefault("broadcast.probe_interval", 5*time.Second)
	v.SetDefault("broadcast.max_held", 64)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "relay-state.json")
	v.SetDefault("store.dsn", "")

	v.SetDefault("assets_file", "")
}

// Load reads .env (when present), the optional config file and the
// environment, in increasing precedence.
func Load(configFile string) (*AppConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.AssetsFile != "" {
		assets, err := loadAssetsFile(cfg.AssetsFile)
		if err != nil {
			return nil, err
		}
		cfg.Assets = assets
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadAssetsFile(path string) ([]AssetConfig, error) {
	f := viper.New()
	f.SetConfigFile(path)
	if err := f.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read assets %s: %w", path, err)
	}
	var doc struct {
		Assets []AssetConfig `mapstructure:"assets"`
	}
	if err := f.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode assets %s: %w", path, err)
	}
	return doc.Assets, nil
}

// Validate checks the values that cannot be defaulted.
func (c *AppConfig) Validate() error {
	if _, err := c.Markup(); err != nil {
		return err
	}
	if _, err := c.MinMargin(); err != nil {
		return err
	}
	if _, err := c.BumpPercent(); err != nil {
		return err
	}
	if _, err := c.WhitelistAssets(); err != nil {
		return err
	}
	switch c.Fees.StalePolicy {
	case "widen", "refuse":
	default:
		return fmt.Errorf("fees.stale_policy must be widen or refuse, got %q", c.Fees.StalePolicy)
	}
	switch c.Store.Driver {
	case "memory", "file":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Chain.PrivateKey != "" && !common.IsHexAddress(c.Chain.RelayContract) {
		return errors.New("chain.relay_contract must be set when chain.private_key is")
	}
	for key, spec := range map[string]string{
		"feerate.schedule":         c.FeeRate.Schedule,
		"broadcast.sweep_schedule": c.Broadcast.SweepSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Markup returns the normal and the stale-fee-rate markups.
func (c *AppConfig) Markup() (decimal.Decimal, error) {
	m, err := decimal.NewFromString(c.Fees.Markup)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fees.markup: %w", err)
	}
	if m.IsNegative() {
		return decimal.Zero, errors.New("fees.markup must not be negative")
	}
	return m, nil
}

func (c *AppConfig) StaleMarkup() decimal.Decimal {
	m, err := decimal.NewFromString(c.Fees.StaleMarkup)
	if err != nil || m.IsNegative() {
		return decimal.Zero
	}
	return m
}

func (c *AppConfig) MinMargin() (*big.Int, error) {
	if c.Fees.MinMarginWei == "" {
		return new(big.Int), nil
	}
	m, ok := new(big.Int).SetString(c.Fees.MinMarginWei, 10)
	if !ok {
		return nil, fmt.Errorf("fees.min_margin_wei: invalid integer %q", c.Fees.MinMarginWei)
	}
	return m, nil
}

func (c *AppConfig) BumpPercent() (decimal.Decimal, error) {
	p, err := decimal.NewFromString(c.Broadcast.BumpPercent)
	if err != nil {
		return decimal.Zero, fmt.Errorf("broadcast.bump_percent: %w", err)
	}
	if !p.IsPositive() {
		return decimal.Zero, errors.New("broadcast.bump_percent must be positive")
	}
	return p, nil
}

// FixedFeeRate returns the configured constant fee rate, nil when unset.
func (c *AppConfig) FixedFeeRate() *big.Int {
	r, ok := new(big.Int).SetString(c.FeeRate.FixedWei, 10)
	if !ok || r.Sign() <= 0 {
		return nil
	}
	return r
}

// StaticPrices parses quotes.static_prices, keyed by upper-case symbol.
func (c *AppConfig) StaticPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Quotes.StaticPrices))
	for symbol, raw := range c.Quotes.StaticPrices {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("quotes.static_prices.%s: %w", symbol, err)
		}
		out[strings.ToUpper(symbol)] = p
	}
	return out, nil
}

// WhitelistAssets converts the asset list into validator assets.
func (c *AppConfig) WhitelistAssets() ([]validator.Asset, error) {
	out := make([]validator.Asset, 0, len(c.Assets))
	for i, a := range c.Assets {
		if !common.IsHexAddress(a.Address) {
			return nil, fmt.Errorf("assets[%d]: invalid address %q", i, a.Address)
		}
		if a.Symbol == "" {
			return nil, fmt.Errorf("assets[%d]: symbol is required", i)
		}
		if a.Decimals < 0 || a.Decimals > validator.MaxDecimals {
			return nil, fmt.Errorf("assets[%d]: decimals out of range", i)
		}
		if a.GasUsage == 0 {
			return nil, fmt.Errorf("assets[%d]: gas_usage is required", i)
		}
		out = append(out, validator.Asset{
			Address:  common.HexToAddress(a.Address),
			Symbol:   strings.ToUpper(a.Symbol),
			Decimals: a.Decimals,
			GasUsage: a.GasUsage,
			Paused:   a.Paused,
		})
	}
	return out, nil
}

// Domain is the typed-signing domain intents are verified against.
func (c *AppConfig) Domain() validator.Domain {
	d := validator.Domain{
		Name:    c.Chain.DomainName,
		Version: c.Chain.DomainVersion,
		ChainID: big.NewInt(c.Chain.ChainID),
	}
	if common.IsHexAddress(c.Chain.RelayContract) {
		d.VerifyingContract = common.HexToAddress(c.Chain.RelayContract)
	}
	return d
}
