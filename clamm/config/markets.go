package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/ethereum/go-ethereum/common"
	getter "github.com/hashicorp/go-getter"
	"github.com/pelletier/go-toml/v2"
)

// DefaultFetchTimeout bounds a remote markets download.
const DefaultFetchTimeout = 60 * time.Second

// LoadMarkets loads and validates a markets file
func (cl *ConfigLoader) LoadMarkets(path string) ([]models.Market, error) {
	body, err := cl.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}
	var file MarketsFile
	if err := toml.Unmarshal(body, &file); err != nil {
		return nil, fmt.Errorf("failed to parse markets file: %w", err)
	}
	return ConvertMarkets(&file)
}

// ConvertMarkets converts the file entries into models.Market values.
func ConvertMarkets(file *MarketsFile) ([]models.Market, error) {
	if file == nil || len(file.Markets) == 0 {
		return nil, fmt.Errorf("no markets in config")
	}

	markets := make([]models.Market, 0, len(file.Markets))
	seen := make(map[string]bool, len(file.Markets))
	for _, entry := range file.Markets {
		if entry.Name == "" {
			return nil, fmt.Errorf("market name is required")
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("duplicate market %q", entry.Name)
		}
		seen[entry.Name] = true

		market, err := convertMarket(entry)
		if err != nil {
			return nil, fmt.Errorf("market %q: %w", entry.Name, err)
		}
		markets = append(markets, market)
	}
	return markets, nil
}

func convertMarket(entry MarketEntry) (models.Market, error) {
	addresses := map[string]string{
		"option_market":    entry.OptionMarket,
		"position_manager": entry.PositionManager,
		"handler":          entry.Handler,
		"pool":             entry.Pool,
	}
	for field, value := range addresses {
		if !common.IsHexAddress(value) {
			return models.Market{}, fmt.Errorf("%s must be a hex address, got %q", field, value)
		}
	}
	// hook is optional and defaults to the zero address
	if entry.Hook != "" && !common.IsHexAddress(entry.Hook) {
		return models.Market{}, fmt.Errorf("hook must be a hex address, got %q", entry.Hook)
	}

	if entry.TickSpacing <= 0 {
		return models.Market{}, fmt.Errorf("tick_spacing must be positive")
	}
	if entry.StrikeWidth <= 0 || entry.StrikeWidth%entry.TickSpacing != 0 {
		return models.Market{}, fmt.Errorf("strike_width must be a positive multiple of tick_spacing")
	}
	if entry.StrikeCount <= 0 {
		return models.Market{}, fmt.Errorf("strike_count must be positive")
	}

	callToken, err := convertToken(entry.CallToken)
	if err != nil {
		return models.Market{}, fmt.Errorf("call_token: %w", err)
	}
	putToken, err := convertToken(entry.PutToken)
	if err != nil {
		return models.Market{}, fmt.Errorf("put_token: %w", err)
	}

	return models.Market{
		Name:              entry.Name,
		ChainID:           entry.ChainID,
		OptionMarket:      common.HexToAddress(entry.OptionMarket),
		PositionManager:   common.HexToAddress(entry.PositionManager),
		Handler:           common.HexToAddress(entry.Handler),
		Pool:              common.HexToAddress(entry.Pool),
		Hook:              common.HexToAddress(entry.Hook),
		TickSpacing:       entry.TickSpacing,
		StrikeWidth:       entry.StrikeWidth,
		StrikeCount:       entry.StrikeCount,
		CallToken:         callToken,
		PutToken:          putToken,
		CallTokenIsToken0: entry.CallTokenIsToken0,
	}, nil
}

func convertToken(entry TokenEntry) (models.Token, error) {
	if !common.IsHexAddress(entry.Address) {
		return models.Token{}, fmt.Errorf("address must be a hex address, got %q", entry.Address)
	}
	if entry.Symbol == "" {
		return models.Token{}, fmt.Errorf("symbol is required")
	}
	return models.Token{
		Address:  common.HexToAddress(entry.Address),
		Symbol:   entry.Symbol,
		Decimals: entry.Decimals,
	}, nil
}

// FindMarket returns the market called name.
func FindMarket(markets []models.Market, name string) (models.Market, error) {
	for _, market := range markets {
		if strings.EqualFold(market.Name, name) {
			return market, nil
		}
	}
	return models.Market{}, fmt.Errorf("market %q not found", name)
}

// FetchMarkets downloads the markets file from src into dir and returns the
// local path. src accepts anything go-getter understands (https, git, s3, a
// local path).
func FetchMarkets(ctx context.Context, src, dir string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFetchTimeout)
		defer cancel()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create markets dir: %w", err)
	}

	pwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working dir: %w", err)
	}

	dst := filepath.Join(dir, "markets.toml")
	client := getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		return "", fmt.Errorf("failed to download markets from %s: %w", src, err)
	}
	return dst, nil
}

// LoadMarketsFrom loads markets from a local toml path, or fetches them into
// cacheDir first when source is remote.
func (cl *ConfigLoader) LoadMarketsFrom(ctx context.Context, source, cacheDir string) ([]models.Market, error) {
	if isLocalFile(source) {
		return cl.LoadMarkets(source)
	}
	path, err := FetchMarkets(ctx, source, cacheDir)
	if err != nil {
		return nil, err
	}
	return cl.LoadMarkets(path)
}

func isLocalFile(source string) bool {
	if strings.Contains(source, "::") || strings.Contains(source, "://") {
		return false
	}
	_, err := os.Stat(source)
	return err == nil
}
