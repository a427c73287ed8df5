// Package config loads engine configuration from a YAML file (default:
// configs/config.yaml) with SNIPER_* environment overrides for every key
// and env-only injection for wallet credentials.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapping 1:1 to the YAML file.
type Config struct {
	Sniper     SniperConfig     `mapstructure:"sniper"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
}

// SniperConfig tunes the scan/trade pipeline.
//
//   - DryRun: no live I/O on the order path; balance is simulated.
//   - InitialBalance: dry-run starting capital in USDC.
//   - ScanIntervalMs / OddsPrefetchIntervalMs: hot-loop cadences.
//   - HTTPTimeoutMs: connect+read timeout on hot-path HTTP calls.
//   - MinBet / MaxBet: hard stake clamps applied after Kelly sizing.
type SniperConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	DryRun                 bool    `mapstructure:"dry-run"`
	InitialBalance         float64 `mapstructure:"initial-balance"`
	ScanIntervalMs         int     `mapstructure:"scan-interval-ms"`
	OddsPrefetchIntervalMs int     `mapstructure:"odds-prefetch-interval-ms"`
	HTTPTimeoutMs          int     `mapstructure:"http-timeout-ms"`
	MinBet                 float64 `mapstructure:"min-bet"`
	MaxBet                 float64 `mapstructure:"max-bet"`
	DatabasePath           string  `mapstructure:"database-path"`
	DashboardPort          int     `mapstructure:"dashboard-port"`
	RedeemScript           string  `mapstructure:"redeem-script"`
	Debug                  bool    `mapstructure:"debug"`
}

// PolymarketConfig holds CLOB credentials and endpoints. PrivateKey signs
// EIP-712 orders; Funder is the proxy wallet that holds the USDC (empty
// when trading from the signer EOA directly). Builder credentials are only
// needed by the redemption sidecar.
type PolymarketConfig struct {
	PrivateKey string `mapstructure:"private-key"`
	APIKey     string `mapstructure:"api-key"`
	APISecret  string `mapstructure:"api-secret"`
	Passphrase string `mapstructure:"passphrase"`
	Funder     string `mapstructure:"funder"`

	CLOBBaseURL  string `mapstructure:"clob-base-url"`
	GammaBaseURL string `mapstructure:"gamma-base-url"`
	WSURL        string `mapstructure:"ws-url"`

	Builder BuilderConfig `mapstructure:"builder"`
}

// BuilderConfig holds the relayer credentials the redeem sidecar uses.
type BuilderConfig struct {
	APIKey     string `mapstructure:"api-key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// Load reads config from path (optional, may not exist) applying defaults
// and env overrides. Sensitive fields always win from env:
// SNIPER_POLYMARKET_PRIVATE_KEY, _API_KEY, _API_SECRET, _PASSPHRASE, _FUNDER.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials from env always override file values.
	if k := os.Getenv("SNIPER_POLYMARKET_PRIVATE_KEY"); k != "" {
		cfg.Polymarket.PrivateKey = k
	}
	if k := os.Getenv("SNIPER_POLYMARKET_API_KEY"); k != "" {
		cfg.Polymarket.APIKey = k
	}
	if k := os.Getenv("SNIPER_POLYMARKET_API_SECRET"); k != "" {
		cfg.Polymarket.APISecret = k
	}
	if k := os.Getenv("SNIPER_POLYMARKET_PASSPHRASE"); k != "" {
		cfg.Polymarket.Passphrase = k
	}
	if k := os.Getenv("SNIPER_POLYMARKET_FUNDER"); k != "" {
		cfg.Polymarket.Funder = k
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sniper.enabled", true)
	v.SetDefault("sniper.dry-run", true)
	v.SetDefault("sniper.initial-balance", 100.0)
	v.SetDefault("sniper.scan-interval-ms", 100)
	v.SetDefault("sniper.odds-prefetch-interval-ms", 100)
	v.SetDefault("sniper.http-timeout-ms", 2000)
	v.SetDefault("sniper.min-bet", 1.0)
	v.SetDefault("sniper.max-bet", 10.0)
	v.SetDefault("sniper.database-path", "sniper.db")
	v.SetDefault("sniper.dashboard-port", 8080)
	v.SetDefault("sniper.redeem-script", "scripts/redeem.py")
	v.SetDefault("sniper.debug", false)

	v.SetDefault("polymarket.clob-base-url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.gamma-base-url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.ws-url", "wss://ws-live-data.polymarket.com")
}

// Validate checks required fields for the selected mode.
func (c *Config) Validate() error {
	if c.Sniper.ScanIntervalMs <= 0 {
		return fmt.Errorf("sniper.scan-interval-ms must be > 0")
	}
	if c.Sniper.MinBet <= 0 || c.Sniper.MaxBet < c.Sniper.MinBet {
		return fmt.Errorf("sniper.min-bet/max-bet invalid: min=%v max=%v", c.Sniper.MinBet, c.Sniper.MaxBet)
	}
	if !c.Sniper.DryRun {
		if c.Polymarket.PrivateKey == "" {
			return fmt.Errorf("polymarket.private-key is required in live mode (set SNIPER_POLYMARKET_PRIVATE_KEY)")
		}
		if c.Polymarket.APIKey == "" || c.Polymarket.APISecret == "" || c.Polymarket.Passphrase == "" {
			return fmt.Errorf("polymarket api credentials are required in live mode")
		}
	}
	return nil
}
