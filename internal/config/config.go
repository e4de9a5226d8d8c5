package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"GaslessRelayer/internal/model"
)

// Liquidity strategies.
const (
	StrategyDEX      = "dex"
	StrategyInternal = "internal"
)

// Config holds all application configuration. It is built once at startup
// and handed to each component by value; nothing reads it globally.
type Config struct {
	Tron struct {
		FullHost          string        `yaml:"full_host"`
		APIKey            string        `yaml:"api_key"`
		RelayerPrivateKey string        `yaml:"relayer_private_key"`
		USDTContract      string        `yaml:"usdt_contract"`
		WrappedNative     string        `yaml:"wrapped_native_contract"`
		SunSwapRouter     string        `yaml:"sunswap_router"`
		FeeLimitSun       int64         `yaml:"fee_limit_sun"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
	} `yaml:"tron"`
	Oracle struct {
		Endpoint      string        `yaml:"endpoint"`
		Asset         string        `yaml:"asset"`
		QuoteCurrency string        `yaml:"quote_currency"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"oracle"`
	Risk struct {
		DailyTrxLimit    float64       `yaml:"daily_trx_limit"`
		DailyUsdtLimit   float64       `yaml:"daily_usdt_limit"`
		PerUserUsdtLimit float64       `yaml:"per_user_usdt_limit"`
		KYCRequired      bool          `yaml:"kyc_required"`
		KYCEndpoint      string        `yaml:"kyc_endpoint"`
		SwapRetries      int           `yaml:"swap_retry_attempts"`
		SwapRetryDelay   time.Duration `yaml:"swap_retry_delay"`
		Timezone         string        `yaml:"timezone"`
	} `yaml:"risk"`
	Liquidity struct {
		Strategy          string `yaml:"strategy"`
		FallbackTrxBuffer int64  `yaml:"fallback_trx_buffer_sun"`
	} `yaml:"liquidity"`
	Persistence struct {
		StateStore string `yaml:"state_store"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"persistence"`
	Server struct {
		ListenAddr     string  `yaml:"listen_addr"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`

		// TrustProxyHeaders takes the client address from X-Real-IP and
		// X-Forwarded-For. Enable only behind a proxy that overwrites them.
		TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
	} `yaml:"server"`
	Schedule struct {
		RolloverCron  string `yaml:"ledger_rollover_cron"`
		ReconcileCron string `yaml:"reconcile_cron"`
		SummaryCron   string `yaml:"summary_cron"`
	} `yaml:"schedule"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Log struct {
		Level       string `yaml:"level"`
		File        string `yaml:"file"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"TRON_FULLNODE_URL":        &c.Tron.FullHost,
		"TRON_API_KEY":             &c.Tron.APIKey,
		"TRON_RELAYER_PRIVATE_KEY": &c.Tron.RelayerPrivateKey,
		"TRON_USDT_CONTRACT":       &c.Tron.USDTContract,
		"SUNSWAP_ROUTER":           &c.Tron.SunSwapRouter,
		"PRICE_ORACLE_URL":         &c.Oracle.Endpoint,
		"ORACLE_QUOTE":             &c.Oracle.QuoteCurrency,
		"LIQUIDITY_STRATEGY":       &c.Liquidity.Strategy,
		"STATE_FILE":               &c.Persistence.StateStore,
		"SQLITE_PATH":              &c.Persistence.SQLitePath,
		"LISTEN_ADDR":              &c.Server.ListenAddr,
		"KYC_ENDPOINT":             &c.Risk.KYCEndpoint,
		"TELEGRAM_BOT_TOKEN":       &c.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":         &c.Telegram.ChatID,
		"LOG_LEVEL":                &c.Log.Level,
		"LOG_FILE":                 &c.Log.File,
		"HTTPS_PROXY":              &c.Proxy,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	floats := map[string]*float64{
		"DAILY_TRX_LIMIT":     &c.Risk.DailyTrxLimit,
		"DAILY_USDT_LIMIT":    &c.Risk.DailyUsdtLimit,
		"PER_USER_USDT_LIMIT": &c.Risk.PerUserUsdtLimit,
	}
	for key, dst := range floats {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = f
		}
	}

	millis := map[string]*time.Duration{
		"ORACLE_POLL_MS":      &c.Oracle.PollInterval,
		"SWAP_RETRY_DELAY_MS": &c.Risk.SwapRetryDelay,
	}
	for key, dst := range millis {
		if v := os.Getenv(key); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("SWAP_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env SWAP_RETRY_ATTEMPTS: %w", err)
		}
		c.Risk.SwapRetries = n
	}
	if v := os.Getenv("FALLBACK_TRX_BUFFER"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("env FALLBACK_TRX_BUFFER: %w", err)
		}
		c.Liquidity.FallbackTrxBuffer = n
	}
	if v := os.Getenv("KYC_REQUIRED"); v != "" {
		c.Risk.KYCRequired = v == "true"
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Tron.FullHost == "" {
		c.Tron.FullHost = "https://api.trongrid.io"
	}
	if c.Tron.USDTContract == "" {
		c.Tron.USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	}
	if c.Tron.WrappedNative == "" {
		c.Tron.WrappedNative = "T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb"
	}
	if c.Tron.SunSwapRouter == "" {
		c.Tron.SunSwapRouter = "TKzxdSv2FZKQrEqkKVgp5DcwEXBEKMg2Ax"
	}
	if c.Tron.FeeLimitSun == 0 {
		c.Tron.FeeLimitSun = 20_000_000
	}
	if c.Tron.RequestTimeout == 0 {
		c.Tron.RequestTimeout = 15 * time.Second
	}
	if c.Oracle.Endpoint == "" {
		c.Oracle.Endpoint = "https://api.coingecko.com/api/v3/simple/price"
	}
	if c.Oracle.Asset == "" {
		c.Oracle.Asset = "tron"
	}
	if c.Oracle.QuoteCurrency == "" {
		c.Oracle.QuoteCurrency = "usd"
	}
	if c.Oracle.PollInterval == 0 {
		c.Oracle.PollInterval = time.Minute
	}
	if c.Oracle.Timeout == 0 {
		c.Oracle.Timeout = 10 * time.Second
	}
	if c.Risk.DailyTrxLimit == 0 {
		c.Risk.DailyTrxLimit = 10_000
	}
	if c.Risk.DailyUsdtLimit == 0 {
		c.Risk.DailyUsdtLimit = 10_000
	}
	if c.Risk.PerUserUsdtLimit == 0 {
		c.Risk.PerUserUsdtLimit = 1_000
	}
	if c.Risk.SwapRetries == 0 {
		c.Risk.SwapRetries = 3
	}
	if c.Risk.SwapRetryDelay == 0 {
		c.Risk.SwapRetryDelay = 5 * time.Second
	}
	if c.Liquidity.Strategy == "" {
		c.Liquidity.Strategy = StrategyDEX
	}
	if c.Liquidity.FallbackTrxBuffer == 0 {
		c.Liquidity.FallbackTrxBuffer = 10_000_000
	}
	if c.Persistence.StateStore == "" {
		c.Persistence.StateStore = "./relayer_state.json"
	}
	if c.Persistence.SQLitePath == "" {
		c.Persistence.SQLitePath = "data/relayer.db"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 20
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 40
	}
	if c.Schedule.RolloverCron == "" {
		c.Schedule.RolloverCron = "0 0 0 * * *"
	}
	if c.Schedule.ReconcileCron == "" {
		c.Schedule.ReconcileCron = "0 */10 * * * *"
	}
	if c.Schedule.SummaryCron == "" {
		c.Schedule.SummaryCron = "0 55 23 * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tron.RelayerPrivateKey) == "" {
		return fmt.Errorf("tron.relayer_private_key is required")
	}
	if c.Risk.DailyTrxLimit <= 0 || c.Risk.DailyUsdtLimit <= 0 || c.Risk.PerUserUsdtLimit <= 0 {
		return fmt.Errorf("risk limits must be positive")
	}
	if c.Risk.SwapRetries < 1 {
		return fmt.Errorf("risk.swap_retry_attempts must be at least 1")
	}
	if c.Risk.SwapRetryDelay < 0 {
		return fmt.Errorf("risk.swap_retry_delay must not be negative")
	}
	if c.Risk.KYCRequired && c.Risk.KYCEndpoint == "" {
		return fmt.Errorf("risk.kyc_endpoint is required when kyc_required is set")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("risk.timezone: %w", err)
	}
	switch c.Liquidity.Strategy {
	case StrategyDEX, StrategyInternal:
	default:
		return fmt.Errorf("liquidity.strategy %q is not supported", c.Liquidity.Strategy)
	}
	if c.Liquidity.FallbackTrxBuffer < 0 {
		return fmt.Errorf("liquidity.fallback_trx_buffer_sun must not be negative")
	}
	if c.Oracle.PollInterval <= 0 {
		return fmt.Errorf("oracle.poll_interval must be positive")
	}
	return nil
}

// Location returns the time zone used for the daily limit boundary.
func (c *Config) Location() (*time.Location, error) {
	if c.Risk.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Risk.Timezone)
}

// Limits are the risk thresholds converted to 6-decimal smallest units.
type Limits struct {
	DailyNative   int64 `json:"daily_native"`
	DailyStable   int64 `json:"daily_stable"`
	PerUserStable int64 `json:"per_user_stable"`
}

// Limits converts the whole-token thresholds to smallest units.
func (c *Config) Limits() Limits {
	return Limits{
		DailyNative:   ToSmallest(c.Risk.DailyTrxLimit),
		DailyStable:   ToSmallest(c.Risk.DailyUsdtLimit),
		PerUserStable: ToSmallest(c.Risk.PerUserUsdtLimit),
	}
}

// ToSmallest converts a whole-token amount to 6-decimal units, rounding down.
func ToSmallest(v float64) int64 {
	return decimal.NewFromFloat(v).Shift(model.UnitDecimals).Floor().IntPart()
}
