package config

// DeskConfig is the desk server configuration. Tags cover both the TOML
// loader and viper's env mode.
type DeskConfig struct {
	// rpc configs
	Port int    `toml:"port" mapstructure:"port"`
	Host string `toml:"host" mapstructure:"host"`

	// CORS configs
	AllowedOrigins []string `toml:"allowed_origins" mapstructure:"allowed_origins"`

	// rate limiting configs
	RatePerMinute         int `toml:"rate_per_minute" mapstructure:"rate_per_minute"`
	MaxConcurrentRequests int `toml:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`

	// OpenTelemetry configs
	ServiceName    string `toml:"service_name" mapstructure:"service_name"`
	ServiceVersion string `toml:"service_version" mapstructure:"service_version"`
	Environment    string `toml:"environment" mapstructure:"environment"` // PROD, DEV, TEST, LOCAL
	EnableTracing  bool   `toml:"enable_tracing" mapstructure:"enable_tracing"`
	OTLPTracesURL  string `toml:"otlp_traces_url" mapstructure:"otlp_traces_url"`
	EnableMetrics  bool   `toml:"enable_metrics" mapstructure:"enable_metrics"`
	UsePrometheus  bool   `toml:"use_prometheus" mapstructure:"use_prometheus"`
	OTLPMetricsURL string `toml:"otlp_metrics_url" mapstructure:"otlp_metrics_url"`
	EnableLogs     bool   `toml:"enable_logs" mapstructure:"enable_logs"`
	OTLPLogsURL    string `toml:"otlp_logs_url" mapstructure:"otlp_logs_url"`
	InsecureOTLP   bool   `toml:"insecure_otlp" mapstructure:"insecure_otlp"`

	// Development mode uses stdout exporters
	DevelopmentMode bool `toml:"development_mode" mapstructure:"development_mode"`

	// pricing service, first url is the primary
	PricingURLs          []string `toml:"pricing_urls" mapstructure:"pricing_urls"`
	PricingRatePerSecond int      `toml:"pricing_rate_per_second" mapstructure:"pricing_rate_per_second"`

	// chain access
	EthRPCURL string `toml:"eth_rpc_url" mapstructure:"eth_rpc_url"`
	SignerURL string `toml:"signer_url" mapstructure:"signer_url"`
	Account   string `toml:"account" mapstructure:"account"`

	// MarketsSource is a local path or any go-getter source of the markets file
	MarketsSource string `toml:"markets_source" mapstructure:"markets_source"`
	Market        string `toml:"market" mapstructure:"market"`

	// desk behaviour
	TTL                  uint64 `toml:"ttl" mapstructure:"ttl"`
	DebounceMillis       int    `toml:"debounce_ms" mapstructure:"debounce_ms"`
	FeeMultiplier        string `toml:"fee_multiplier" mapstructure:"fee_multiplier"`
	QuoteTimeoutSeconds  int    `toml:"quote_timeout_seconds" mapstructure:"quote_timeout_seconds"`
	SubmitTimeoutSeconds int    `toml:"submit_timeout_seconds" mapstructure:"submit_timeout_seconds"`
}

// MarketsFile is the on-disk layout of the markets file.
type MarketsFile struct {
	Markets []MarketEntry `toml:"markets"`
}

type MarketEntry struct {
	Name              string     `toml:"name"`
	ChainID           uint64     `toml:"chain_id"`
	OptionMarket      string     `toml:"option_market"`
	PositionManager   string     `toml:"position_manager"`
	Handler           string     `toml:"handler"`
	Pool              string     `toml:"pool"`
	Hook              string     `toml:"hook"`
	TickSpacing       int        `toml:"tick_spacing"`
	StrikeWidth       int        `toml:"strike_width"`
	StrikeCount       int        `toml:"strike_count"`
	CallTokenIsToken0 bool       `toml:"call_token_is_token0"`
	CallToken         TokenEntry `toml:"call_token"`
	PutToken          TokenEntry `toml:"put_token"`
}

type TokenEntry struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}
