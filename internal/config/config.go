package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr          string `yaml:"addr"`
		InternalToken string `yaml:"internal_token"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Wallet struct {
		SeedHex string `yaml:"seed_hex"`
	} `yaml:"wallet"`
	Orders struct {
		TTLMinutes            int `yaml:"ttl_minutes"`
		UnderpaidGraceMinutes int `yaml:"underpaid_grace_minutes"`
		ExpiryGraceSeconds    int `yaml:"expiry_grace_seconds"`
	} `yaml:"orders"`
	Validator struct {
		NativeRequiresConfirmations bool `yaml:"native_requires_confirmations"`
		Concurrency                 int  `yaml:"concurrency"`
		LockTTLSeconds              int  `yaml:"lock_ttl_seconds"`
	} `yaml:"validator"`
	Payout struct {
		StaleAfterSeconds  int `yaml:"stale_after_seconds"`
		WaitTimeoutSeconds int `yaml:"wait_timeout_seconds"`
	} `yaml:"payout"`
	Webhooks struct {
		APIURL      string `yaml:"api_url"`
		AuthToken   string `yaml:"auth_token"`
		SigningKey  string `yaml:"signing_key"`
		BatchSize   int    `yaml:"batch_size"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"webhooks"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
		ReconcileEvery  int   `yaml:"reconcile_every"`
	} `yaml:"worker"`
	Networks []Network `yaml:"networks"`
}

// Network is the connection config of one chain, keyed by the network code
// stored in the catalog.
type Network struct {
	Code                 string   `yaml:"code"`
	Family               string   `yaml:"family"`
	RPCEndpoints         []string `yaml:"rpc_endpoints"`
	WSEndpoints          []string `yaml:"ws_endpoints"`
	PayoutPrivateKey     string   `yaml:"payout_private_key"`
	StartBlock           uint64   `yaml:"start_block"`
	LogLookbackBlocks    uint64   `yaml:"log_lookback_blocks"`
	WebhookID            string   `yaml:"webhook_id"`
	Denom                string   `yaml:"denom"`
	Bech32Prefix         string   `yaml:"bech32_prefix"`
	RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
}

func Load(path string) (*Config, error) {
	// a missing .env is the normal production case
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", apperr.ErrConfig, path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrConfig, err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	seen := map[string]bool{}
	for i, n := range c.Networks {
		if n.Code == "" {
			errs = append(errs, fmt.Errorf("networks[%d].code is required", i))
			continue
		}
		if seen[n.Code] {
			errs = append(errs, fmt.Errorf("network %s is configured twice", n.Code))
		}
		seen[n.Code] = true
		if _, err := chain.ParseFamily(n.Family); err != nil {
			errs = append(errs, fmt.Errorf("network %s: unknown family %q", n.Code, n.Family))
		}
		if len(n.RPCEndpoints) == 0 {
			errs = append(errs, fmt.Errorf("network %s: rpc_endpoints is required", n.Code))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", apperr.ErrConfig, errors.Join(errs...))
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 15
	}
	if cfg.Orders.UnderpaidGraceMinutes <= 0 {
		cfg.Orders.UnderpaidGraceMinutes = 120
	}
	if cfg.Orders.ExpiryGraceSeconds <= 0 {
		cfg.Orders.ExpiryGraceSeconds = 30
	}
	if cfg.Validator.Concurrency <= 0 {
		cfg.Validator.Concurrency = 8
	}
	if cfg.Validator.LockTTLSeconds <= 0 {
		cfg.Validator.LockTTLSeconds = 30
	}
	if cfg.Payout.StaleAfterSeconds <= 0 {
		cfg.Payout.StaleAfterSeconds = 600
	}
	if cfg.Payout.WaitTimeoutSeconds <= 0 {
		cfg.Payout.WaitTimeoutSeconds = 30
	}
	if cfg.Webhooks.BatchSize <= 0 {
		cfg.Webhooks.BatchSize = 100
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 4
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 20
	}
	if cfg.Worker.ReconcileEvery <= 0 {
		cfg.Worker.ReconcileEvery = 30
	}
	for i := range cfg.Networks {
		n := &cfg.Networks[i]
		if n.RPCFailoverThreshold <= 0 {
			n.RPCFailoverThreshold = 3
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("INTERNAL_TOKEN"); v != "" {
		cfg.Server.InternalToken = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("WALLET_SEED_HEX"); v != "" {
		cfg.Wallet.SeedHex = v
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("NATIVE_REQUIRES_CONFIRMATIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Validator.NativeRequiresConfirmations = b
		}
	}
	if v := os.Getenv("WEBHOOK_API_URL"); v != "" {
		cfg.Webhooks.APIURL = v
	}
	if v := os.Getenv("WEBHOOK_AUTH_TOKEN"); v != "" {
		cfg.Webhooks.AuthToken = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_KEY"); v != "" {
		cfg.Webhooks.SigningKey = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	for i := range cfg.Networks {
		n := &cfg.Networks[i]
		suffix := envSuffix(n.Code)
		if v := os.Getenv("RPC_ENDPOINTS_" + suffix); v != "" {
			n.RPCEndpoints = splitCommaList(v)
		}
		if v := os.Getenv("WS_ENDPOINTS_" + suffix); v != "" {
			n.WSEndpoints = splitCommaList(v)
		}
		if v := os.Getenv("PAYOUT_KEY_" + suffix); v != "" {
			n.PayoutPrivateKey = v
		}
		if v := os.Getenv("WEBHOOK_ID_" + suffix); v != "" {
			n.WebhookID = v
		}
	}
}

// envSuffix turns a network code like "bsc-testnet" into "BSC_TESTNET".
func envSuffix(code string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(code))
}

func (c *Config) OrderTTL() time.Duration {
	return time.Duration(c.Orders.TTLMinutes) * time.Minute
}

func (c *Config) UnderpaidGrace() time.Duration {
	return time.Duration(c.Orders.UnderpaidGraceMinutes) * time.Minute
}

func (c *Config) ExpiryGrace() time.Duration {
	return time.Duration(c.Orders.ExpiryGraceSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Validator.LockTTLSeconds) * time.Second
}

func (c *Config) PayoutStaleAfter() time.Duration {
	return time.Duration(c.Payout.StaleAfterSeconds) * time.Second
}

func (c *Config) PayoutWaitTimeout() time.Duration {
	return time.Duration(c.Payout.WaitTimeoutSeconds) * time.Second
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

// WebhookChannels maps lowercased network codes to their notification
// webhook ids.
func (c *Config) WebhookChannels() map[string]string {
	out := map[string]string{}
	for _, n := range c.Networks {
		if n.WebhookID != "" {
			out[strings.ToLower(n.Code)] = n.WebhookID
		}
	}
	return out
}

// Bech32Prefix returns the prefix of the first cosmos network, which the
// deriver uses for cosmos deposit addresses.
func (c *Config) Bech32Prefix() string {
	for _, n := range c.Networks {
		if f, err := chain.ParseFamily(n.Family); err == nil && f == chain.FamilyCosmos && n.Bech32Prefix != "" {
			return n.Bech32Prefix
		}
	}
	return ""
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
