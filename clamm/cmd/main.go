package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/chain"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/config"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/desk"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/pricing"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Logger()

	// Share the logger with the RPC package
	rpc.SetLogger(log)
}

func main() {
	configPath := flag.String("config", "./clamm-config.toml", "config file for the desk, empty reads CLAMM_* env vars")
	cacheDir := flag.String("cache-dir", filepath.Join(os.TempDir(), "spectra-clamm"), "where remote market files are stored")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var path *string
	if *configPath != "" {
		path = configPath
	}
	cfg, err := config.LoadDeskConfig(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load desk config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	markets, err := config.NewDefaultConfigLoader().LoadMarketsFrom(ctx, cfg.MarketsSource, *cacheDir)
	if err != nil {
		log.Fatal().Err(err).Str("source", cfg.MarketsSource).Msg("Failed to load markets")
	}
	market, err := config.FindMarket(markets, cfg.Market)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to select market")
	}
	log.Info().
		Str("market", market.Name).
		Uint64("chain_id", market.ChainID).
		Str("pool", market.Pool.Hex()).
		Msg("Loaded market")

	failover := pricing.DefaultFailoverConfig()
	if cfg.PricingRatePerSecond > 0 {
		failover.RatePerSecond = cfg.PricingRatePerSecond
	}
	pricingClient, err := pricing.NewClientWithFailover(cfg.PricingURLs[0], cfg.PricingURLs[1:], market.ChainID, failover)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pricing client")
	}
	defer pricingClient.Close()
	log.Info().
		Str("primary", cfg.PricingURLs[0]).
		Int("backups", len(cfg.PricingURLs)-1).
		Msg("Pricing client initialized")

	eth, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to dial chain RPC")
	}
	defer eth.Close()

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read chain id")
	}
	if chainID.Uint64() != market.ChainID {
		log.Fatal().
			Uint64("rpc", chainID.Uint64()).
			Uint64("market", market.ChainID).
			Msg("Chain RPC serves a different chain than the market")
	}

	reader := chain.NewReader(eth)
	if err := reader.VerifyMarket(ctx, market); err != nil {
		log.Fatal().Err(err).Str("market", market.Name).Msg("Market contracts failed verification")
	}

	wallet, err := chain.DialSignerWallet(ctx, cfg.SignerURL, common.HexToAddress(cfg.Account))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to signer")
	}

	sessionConfig, err := buildSessionConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid desk settings")
	}
	sessionConfig.Market = market

	session := desk.NewSession(sessionConfig, desk.Deps{
		Pricing:  pricingClient,
		Reader:   reader,
		Wallet:   wallet,
		Receipts: eth,
	})
	defer session.Close()

	if err := session.RefreshStrikes(ctx); err != nil {
		// the desk can still serve and retry through ListStrikes
		log.Error().Err(err).Msg("Failed to derive strikes")
	}

	server, err := rpc.NewServer(ctx, buildServerConfig(cfg), session)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RPC server")
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			sigCh <- syscall.SIGTERM
		}
	}()

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}

// buildSessionConfig converts the desk settings of cfg; zero values keep the desk defaults
func buildSessionConfig(cfg *config.DeskConfig) (desk.Config, error) {
	sessionConfig := desk.Config{
		TTL:            cfg.TTL,
		DebounceWindow: time.Duration(cfg.DebounceMillis) * time.Millisecond,
		QuoteTimeout:   time.Duration(cfg.QuoteTimeoutSeconds) * time.Second,
		SubmitTimeout:  time.Duration(cfg.SubmitTimeoutSeconds) * time.Second,
	}
	if cfg.FeeMultiplier != "" {
		fee, err := decimal.NewFromString(cfg.FeeMultiplier)
		if err != nil {
			return desk.Config{}, err
		}
		sessionConfig.FeeMultiplier = fee
	}
	return sessionConfig, nil
}

// buildServerConfig converts the loaded DeskConfig to rpc.ServerConfig
func buildServerConfig(cfg *config.DeskConfig) *rpc.ServerConfig {
	serverConfig := rpc.DefaultServerConfig()
	serverConfig.Address = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	serverConfig.AllowedOrigins = cfg.AllowedOrigins
	serverConfig.EnableMetrics = cfg.UsePrometheus || cfg.EnableMetrics
	if cfg.RatePerMinute > 0 {
		serverConfig.RatePerMinute = cfg.RatePerMinute
	}
	if cfg.MaxConcurrentRequests > 0 {
		serverConfig.MaxConcurrentRequests = cfg.MaxConcurrentRequests
	}
	if submit := time.Duration(cfg.SubmitTimeoutSeconds) * time.Second; submit+time.Minute > serverConfig.RequestTimeout {
		serverConfig.RequestTimeout = submit + time.Minute
	}

	if cfg.EnableTracing || cfg.EnableMetrics || cfg.EnableLogs || cfg.UsePrometheus {
		serverConfig.OTelConfig = &rpc.OTelConfig{
			ServiceName:    defaultString(cfg.ServiceName, "spectra-clamm-desk"),
			ServiceVersion: defaultString(cfg.ServiceVersion, "0.1.0"),
			Environment:    defaultString(cfg.Environment, "development"),
			Traces:         rpc.Signal{Enabled: cfg.EnableTracing, OTLPEndpoint: cfg.OTLPTracesURL},
			Metrics:        rpc.Signal{Enabled: cfg.EnableMetrics || cfg.UsePrometheus, OTLPEndpoint: cfg.OTLPMetricsURL},
			Logs:           rpc.Signal{Enabled: cfg.EnableLogs, OTLPEndpoint: cfg.OTLPLogsURL},
			Prometheus:     cfg.UsePrometheus,
			InsecureOTLP:   cfg.InsecureOTLP,
			Development:    cfg.DevelopmentMode,
		}
	} else {
		serverConfig.OTelConfig = nil
	}

	return serverConfig
}

// defaultString returns the default value if s is empty
func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
