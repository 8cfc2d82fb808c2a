package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Attestation AttestationConfig
	Entitlement EntitlementConfig
	Credits     CreditsConfig
	RateLimit   RateLimitConfig `mapstructure:"ratelimit"`
	Upstream    UpstreamConfig
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	AppToken string `mapstructure:"app_token"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type AttestationConfig struct {
	TeamID   string `mapstructure:"team_id"`
	BundleID string `mapstructure:"bundle_id"`
	// RootCAPEM is the PEM-encoded root for the device attestation chain.
	RootCAPEM string `mapstructure:"root_ca_pem"`
}

type EntitlementConfig struct {
	// RootCAPEM is the PEM-encoded root for App Store signed transactions.
	RootCAPEM string `mapstructure:"root_ca_pem"`
	// ReceiptVerifyURL is the issuer endpoint for legacy receipt
	// verification; empty selects the production endpoint.
	ReceiptVerifyURL string `mapstructure:"receipt_verify_url"`
	// ReceiptSecret is the shared secret sent with receipt verification,
	// required by the issuer for auto-renewable subscriptions.
	ReceiptSecret string `mapstructure:"receipt_secret"`
	// Products maps an allow-listed product ID to its credit grant.
	Products map[string]ProductConfig `mapstructure:"products"`
}

type ProductConfig struct {
	Credits      int64 `mapstructure:"credits"`
	Subscription bool  `mapstructure:"subscription"`
}

type CreditsConfig struct {
	Starting int64 `mapstructure:"starting"`
	ProCost  int64 `mapstructure:"pro_cost"`
	MaxCost  int64 `mapstructure:"max_cost"`
}

type RateLimitConfig struct {
	Limit         int64 `mapstructure:"limit"`
	WindowSeconds int64 `mapstructure:"window_seconds"`
}

type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	// PollHosts whitelists hosts a polling URL may point at.
	PollHosts []string `mapstructure:"poll_hosts"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("credits.starting", 3)
	v.SetDefault("credits.pro_cost", 1)
	v.SetDefault("credits.max_cost", 2)
	v.SetDefault("ratelimit.limit", 20)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("entitlement.products", map[string]map[string]any{
		"echoedit.credits.25pack":  {"credits": 25},
		"echoedit.credits.60pack":  {"credits": 60},
		"echoedit.credits.150pack": {"credits": 150},
		"echoedit.pro.monthly":     {"credits": 100, "subscription": true},
		"echoedit.pro.yearly":      {"credits": 1200, "subscription": true},
	})

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                    "PORT",
		"server.app_token":               "APP_TOKEN",
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"attestation.team_id":            "APPLE_TEAM_ID",
		"attestation.bundle_id":          "APP_BUNDLE_ID",
		"attestation.root_ca_pem":        "ATTEST_ROOT_CA_PEM",
		"entitlement.root_ca_pem":        "STORE_ROOT_CA_PEM",
		"entitlement.receipt_verify_url": "RECEIPT_VERIFY_URL",
		"entitlement.receipt_secret":     "RECEIPT_SHARED_SECRET",
		"credits.starting":               "STARTING_CREDITS",
		"credits.pro_cost":               "PRO_GENERATION_COST",
		"credits.max_cost":               "MAX_GENERATION_COST",
		"ratelimit.limit":                "RATE_LIMIT",
		"ratelimit.window_seconds":       "RATE_WINDOW_SEC",
		"upstream.base_url":              "UPSTREAM_API_URL",
		"upstream.api_key":               "UPSTREAM_API_KEY",
		"upstream.poll_hosts":            "UPSTREAM_POLL_HOSTS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Server.AppToken, "APP_TOKEN"},
		{c.Attestation.TeamID, "APPLE_TEAM_ID"},
		{c.Attestation.BundleID, "APP_BUNDLE_ID"},
		{c.Attestation.RootCAPEM, "ATTEST_ROOT_CA_PEM"},
		{c.Entitlement.RootCAPEM, "STORE_ROOT_CA_PEM"},
		{c.Upstream.BaseURL, "UPSTREAM_API_URL"},
		{c.Upstream.APIKey, "UPSTREAM_API_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if len(c.Upstream.PollHosts) == 0 {
		return fmt.Errorf("required config missing: upstream.poll_hosts")
	}
	if len(c.Entitlement.Products) == 0 {
		return fmt.Errorf("required config missing: entitlement.products")
	}
	return nil
}

// AppID is the relying-party identifier hashed into authenticator data.
func (c *AttestationConfig) AppID() string {
	return c.TeamID + "." + c.BundleID
}
