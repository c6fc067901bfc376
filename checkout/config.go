package checkout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alovak/cardflow-checkout/gateway"
)

// Config is a configuration for the checkout application
type Config struct {
	HTTPAddr string        `mapstructure:"http_addr"`
	Gateway  GatewayConfig `mapstructure:"gateway"`

	// RepoBackend is "mem" or "pg". DBDSN is required for pg.
	RepoBackend string `mapstructure:"repo_backend"`
	DBDSN       string `mapstructure:"db_dsn"`
	// PANHashKey keys the HMAC stored with each audited attempt.
	PANHashKey string `mapstructure:"pan_hash_key"`

	Idempotency IdempotencyConfig `mapstructure:"idempotency"`

	// SessionTTL is how long an untouched checkout session is kept.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// OTLPEndpoint enables trace export when set, e.g. http://localhost:4318
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	HSM HSMConfig `mapstructure:"hsm"`
}

type GatewayConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// Timeout bounds each orchestrator step, all of its gateway calls included.
	Timeout time.Duration `mapstructure:"timeout"`
}

type IdempotencyConfig struct {
	// Backend is "mem" or "redis".
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// HSMConfig selects a PKCS#11 token for payload encryption. Only binaries
// built with the softhsm tag honour it.
type HSMConfig struct {
	LibPath string `mapstructure:"lib_path"`
	Slot    uint   `mapstructure:"slot"`
	PIN     string `mapstructure:"pin"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: "localhost:9090",
		Gateway: GatewayConfig{
			Timeout: 30 * time.Second,
		},
		RepoBackend: "mem",
		PANHashKey:  "dev-secret-pepper",
		Idempotency: IdempotencyConfig{
			Backend: "mem",
			TTL:     24 * time.Hour,
		},
		SessionTTL: 30 * time.Minute,
	}
}

func (c *Config) GatewayClientConfig() gateway.Config {
	return gateway.Config{
		BaseURL:      c.Gateway.BaseURL,
		TokenURL:     c.Gateway.TokenURL,
		ClientID:     c.Gateway.ClientID,
		ClientSecret: c.Gateway.ClientSecret,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	if c.Gateway.TokenURL == "" {
		errs = append(errs, errors.New("gateway.token_url is required"))
	}
	if c.Gateway.ClientID == "" || c.Gateway.ClientSecret == "" {
		errs = append(errs, errors.New("gateway client credentials are required"))
	}
	switch c.RepoBackend {
	case "mem":
	case "pg":
		if c.DBDSN == "" {
			errs = append(errs, errors.New("db_dsn is required for pg backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported repo_backend=%s", c.RepoBackend))
	}
	switch c.Idempotency.Backend {
	case "mem":
	case "redis":
		if c.Idempotency.RedisAddr == "" {
			errs = append(errs, errors.New("idempotency.redis_addr is required for redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported idempotency.backend=%s", c.Idempotency.Backend))
	}
	return errors.Join(errs...)
}

// LoadConfig reads defaults, then the optional YAML file at path, then
// CHECKOUT_* environment variables (CHECKOUT_GATEWAY_BASE_URL and so on).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHECKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	defaults := map[string]any{
		"http_addr":              def.HTTPAddr,
		"gateway.base_url":       def.Gateway.BaseURL,
		"gateway.token_url":      def.Gateway.TokenURL,
		"gateway.client_id":      def.Gateway.ClientID,
		"gateway.client_secret":  def.Gateway.ClientSecret,
		"gateway.timeout":        def.Gateway.Timeout,
		"repo_backend":           def.RepoBackend,
		"db_dsn":                 def.DBDSN,
		"pan_hash_key":           def.PANHashKey,
		"idempotency.backend":    def.Idempotency.Backend,
		"idempotency.redis_addr": def.Idempotency.RedisAddr,
		"idempotency.ttl":        def.Idempotency.TTL,
		"session_ttl":            def.SessionTTL,
		"otlp_endpoint":          def.OTLPEndpoint,
		"hsm.lib_path":           def.HSM.LibPath,
		"hsm.slot":               def.HSM.Slot,
		"hsm.pin":                def.HSM.PIN,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}
