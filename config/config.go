package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration. Secrets (database URL, RPC
// URL, key material) come from the environment only and never from yaml.
type Config struct {
	Platform        string
	ListenAddr      string
	DatabaseURL     string
	BaseCurrency    string
	SettlementAsset string
	FeePercent      decimal.Decimal
	MinFee          decimal.Decimal
	FallbackRates   map[string]decimal.Decimal
	RateTTL         time.Duration
	RateURL         string
	RPCURL          string
	TokenAddress    string
	TokenDecimals   int32
	ConfirmTimeout  time.Duration
	WebhookURL      string
	JournalDir      string
	EncryptionKey   string
	TreasuryKey     string
}

type configTmp struct {
	Platform        string            `yaml:"platform"`
	ListenAddr      string            `yaml:"listen_addr"`
	BaseCurrency    string            `yaml:"base_currency"`
	SettlementAsset string            `yaml:"settlement_asset"`
	FeePercent      string            `yaml:"fee_percent,omitempty"`
	MinFee          string            `yaml:"min_fee,omitempty"`
	FallbackRates   map[string]string `yaml:"fallback_rates,omitempty"`
	RateTTL         time.Duration     `yaml:"rate_ttl,omitempty"`
	RateURL         string            `yaml:"rate_url,omitempty"`
	TokenAddress    string            `yaml:"token_address,omitempty"`
	TokenDecimals   string            `yaml:"token_decimals,omitempty"`
	ConfirmTimeout  time.Duration     `yaml:"confirm_timeout,omitempty"`
	JournalDir      string            `yaml:"journal_dir,omitempty"`
}

// LivePair returns the pair served by the live rate source.
func (c Config) LivePair() domain.Pair {
	return domain.Pair{Base: c.BaseCurrency, Quote: c.SettlementAsset}
}

// Get resolves configuration from the optional -config yaml file, overlaid
// with environment variables.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg := defaults()
	if *path != "" {
		if err := applyYaml(&cfg, *path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Platform:        "memory",
		ListenAddr:      ":8080",
		BaseCurrency:    "GBP",
		SettlementAsset: "USDC",
		FeePercent:      decimal.NewFromFloat(0.005),
		MinFee:          decimal.NewFromFloat(0.01),
		FallbackRates: map[string]decimal.Decimal{
			"GBP_USDC": decimal.NewFromFloat(1.27),
			"USD_USDC": decimal.NewFromInt(1),
			"EUR_USDC": decimal.NewFromFloat(1.08),
		},
		RateTTL:        time.Minute,
		TokenDecimals:  6,
		ConfirmTimeout: 90 * time.Second,
		JournalDir:     "journal",
	}
}

func applyYaml(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var tmp configTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if tmp.Platform != "" {
		cfg.Platform = tmp.Platform
	}
	if tmp.ListenAddr != "" {
		cfg.ListenAddr = tmp.ListenAddr
	}
	if tmp.BaseCurrency != "" {
		cfg.BaseCurrency = strings.ToUpper(tmp.BaseCurrency)
	}
	if tmp.SettlementAsset != "" {
		cfg.SettlementAsset = strings.ToUpper(tmp.SettlementAsset)
	}
	if tmp.FeePercent != "" {
		fee, err := decimal.NewFromString(tmp.FeePercent)
		if err != nil {
			return fmt.Errorf("incorrect 'fee_percent' param in yaml config: %w", err)
		}
		cfg.FeePercent = fee
	}
	if tmp.MinFee != "" {
		minFee, err := decimal.NewFromString(tmp.MinFee)
		if err != nil {
			return fmt.Errorf("incorrect 'min_fee' param in yaml config: %w", err)
		}
		cfg.MinFee = minFee
	}
	if len(tmp.FallbackRates) > 0 {
		rates := make(map[string]decimal.Decimal, len(tmp.FallbackRates))
		for pair, value := range tmp.FallbackRates {
			rate, err := decimal.NewFromString(value)
			if err != nil {
				return fmt.Errorf("incorrect 'fallback_rates' entry %s in yaml config: %w", pair, err)
			}
			rates[strings.ToUpper(pair)] = rate
		}
		cfg.FallbackRates = rates
	}
	if tmp.RateTTL > 0 {
		cfg.RateTTL = tmp.RateTTL
	}
	if tmp.RateURL != "" {
		cfg.RateURL = tmp.RateURL
	}
	if tmp.TokenAddress != "" {
		cfg.TokenAddress = tmp.TokenAddress
	}
	if tmp.TokenDecimals != "" {
		dec, err := strconv.ParseInt(tmp.TokenDecimals, 10, 32)
		if err != nil {
			return fmt.Errorf("incorrect 'token_decimals' param in yaml config: %w", err)
		}
		cfg.TokenDecimals = int32(dec)
	}
	if tmp.ConfirmTimeout > 0 {
		cfg.ConfirmTimeout = tmp.ConfirmTimeout
	}
	if tmp.JournalDir != "" {
		cfg.JournalDir = tmp.JournalDir
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PLATFORM"); v != "" {
		cfg.Platform = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("TOKEN_ADDRESS"); v != "" {
		cfg.TokenAddress = v
	}
	if v := os.Getenv("RATE_URL"); v != "" {
		cfg.RateURL = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("JOURNAL_DIR"); v != "" {
		cfg.JournalDir = v
	}
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.TreasuryKey = os.Getenv("TREASURY_PRIVATE_KEY")
}

func (c Config) validate() error {
	switch c.Platform {
	case "memory":
	case "ethereum":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the ethereum platform")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for the ethereum platform")
		}
		if c.TokenAddress == "" {
			return fmt.Errorf("token_address is required for the ethereum platform")
		}
		if c.TreasuryKey == "" {
			return fmt.Errorf("TREASURY_PRIVATE_KEY is required for the ethereum platform")
		}
	default:
		return fmt.Errorf("unsupported platform %q, expected memory or ethereum", c.Platform)
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("fee_percent must be in [0, 1), got %s", c.FeePercent)
	}
	if c.MinFee.IsNegative() {
		return fmt.Errorf("min_fee must not be negative, got %s", c.MinFee)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("token_decimals must be in [0, 18], got %d", c.TokenDecimals)
	}
	return nil
}
