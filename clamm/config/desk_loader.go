package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// FileReader defines the interface for reading files
type FileReader interface {
	// ReadFile reads the file at the given path and returns the contents
	ReadFile(path string) ([]byte, error)
}

// DefaultFileReader implements FileReader using os.ReadFile
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ConfigLoader reads desk and market configs through a FileReader
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a ConfigLoader with the given FileReader
func NewConfigLoader(fileReader FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fileReader}
}

// NewDefaultConfigLoader creates a ConfigLoader reading from disk
func NewDefaultConfigLoader() *ConfigLoader {
	return NewConfigLoader(&DefaultFileReader{})
}

// LoadDeskConfig loads the desk config from a TOML file
func (cl *ConfigLoader) LoadDeskConfig(configPath string) (*DeskConfig, error) {
	if !strings.HasSuffix(configPath, ".toml") {
		return nil, fmt.Errorf("config file must be a toml file")
	}
	body, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config DeskConfig
	if err := toml.Unmarshal(body, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// LoadDeskConfig loads the desk config from configPath, or from CLAMM_*
// environment variables when configPath is nil
func LoadDeskConfig(configPath *string) (*DeskConfig, error) {
	if configPath == nil {
		config, err := loadEnv(viper.New())
		if err != nil {
			return nil, fmt.Errorf("failed to load env config: %w", err)
		}
		return config, nil
	}
	config, err := NewDefaultConfigLoader().LoadDeskConfig(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load file config: %w", err)
	}
	return config, nil
}

func loadEnv(v *viper.Viper) (*DeskConfig, error) {
	// a missing .env is fine, variables may come from docker or systemd
	_ = godotenv.Load()
	v.SetEnvPrefix("CLAMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var config DeskConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env config: %w", err)
	}
	// entries may still hold comma separated values
	config.AllowedOrigins = splitList(config.AllowedOrigins)
	config.PricingURLs = splitList(config.PricingURLs)

	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// bindEnvKeys binds each config key so Unmarshal sees env values without a file.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"port", "host", "allowed_origins",
		"rate_per_minute", "max_concurrent_requests",
		"service_name", "service_version", "environment",
		"enable_tracing", "otlp_traces_url",
		"enable_metrics", "use_prometheus", "otlp_metrics_url",
		"enable_logs", "otlp_logs_url", "insecure_otlp", "development_mode",
		"pricing_urls", "pricing_rate_per_second",
		"eth_rpc_url", "signer_url", "account",
		"markets_source", "market",
		"ttl", "debounce_ms", "fee_multiplier",
		"quote_timeout_seconds", "submit_timeout_seconds",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func verifyConfig(config *DeskConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if config.Host == "" {
		return fmt.Errorf("host is required")
	}
	if len(config.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required")
	}

	if len(config.PricingURLs) == 0 {
		return fmt.Errorf("pricing_urls is required")
	}
	for _, raw := range config.PricingURLs {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("invalid pricing url %q: %w", raw, err)
		}
	}

	if config.EthRPCURL == "" {
		return fmt.Errorf("eth_rpc_url is required")
	}
	if config.SignerURL == "" {
		return fmt.Errorf("signer_url is required")
	}
	if !common.IsHexAddress(config.Account) {
		return fmt.Errorf("account must be a hex address, got %q", config.Account)
	}

	if config.MarketsSource == "" {
		return fmt.Errorf("markets_source is required")
	}
	if config.Market == "" {
		return fmt.Errorf("market is required")
	}

	if config.DebounceMillis < 0 {
		return fmt.Errorf("debounce_ms must not be negative")
	}
	if config.FeeMultiplier != "" {
		fee, err := decimal.NewFromString(config.FeeMultiplier)
		if err != nil {
			return fmt.Errorf("invalid fee_multiplier: %w", err)
		}
		if fee.IsNegative() {
			return fmt.Errorf("fee_multiplier must not be negative")
		}
	}
	return nil
}
