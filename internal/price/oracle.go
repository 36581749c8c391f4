package price

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"walletpilot-api/internal/guard"
	"walletpilot-api/internal/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// nativeAsset describes the gas token of a chain: its CoinGecko asset ID
// and its smallest-unit decimals.
type nativeAsset struct {
	coinID   string
	decimals int
}

// nativeAssets covers the supported chains. All EVM chains here settle gas
// in ETH-denominated tokens except Polygon, BSC and Avalanche.
var nativeAssets = map[int64]nativeAsset{
	guard.ChainEthereum: {coinID: "ethereum", decimals: 18},
	guard.ChainOptimism: {coinID: "ethereum", decimals: 18},
	guard.ChainBase:     {coinID: "ethereum", decimals: 18},
	guard.ChainArbitrum: {coinID: "ethereum", decimals: 18},
	guard.ChainPolygon:  {coinID: "matic-network", decimals: 18},
	guard.ChainBSC:      {coinID: "binancecoin", decimals: 18},
	43114:               {coinID: "avalanche-2", decimals: 18},
	guard.ChainSolana:   {coinID: "solana", decimals: 9},
}

// stablecoinAddresses maps chain ID to the lowercase addresses of tokens
// pegged to $1.00; lookups for these short-circuit the price feed.
var stablecoinAddresses = map[int64]map[string]string{
	guard.ChainEthereum: {
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "USDC",
		"0xdac17f958d2ee523a2206206994597c13d831ec7": "USDT",
	},
	guard.ChainPolygon: {
		"0x2791bca1f2de4661ed88a30c99a7a9449aa84174": "USDC",
		"0xc2132d05d31c914a87c6611c10748aeb04b58e8f": "USDT",
	},
	guard.ChainArbitrum: {
		"0xaf88d065e77c8cc2239327c5edb3a432268e5831": "USDC",
		"0xfd086bc7cd5c481dcc9c85ebe478a1c0b69fcbb9": "USDT",
	},
	guard.ChainSolana: {
		"epjfwdd5aufqssqem2qn1xzybapc8g4weggkzwytdt1v": "USDC",
	},
}

// cachedPrice is a cached USD spot price with expiration.
type cachedPrice struct {
	priceUSD  float64
	updatedAt time.Time
	expiresAt time.Time
}

// Oracle converts native/token amounts into micro-USD values using a spot
// price feed with a short-TTL in-memory cache. It implements
// guard.PriceEstimator.
type Oracle struct {
	client     *CoinGeckoClient
	cache      map[string]*cachedPrice
	cacheMutex sync.RWMutex
	cacheTTL   time.Duration
}

// OracleOption configures an Oracle.
type OracleOption func(*Oracle)

// WithCacheTTL overrides the price cache TTL.
func WithCacheTTL(ttl time.Duration) OracleOption {
	return func(o *Oracle) { o.cacheTTL = ttl }
}

// NewOracle creates a price oracle backed by the given CoinGecko client.
func NewOracle(client *CoinGeckoClient, opts ...OracleOption) *Oracle {
	o := &Oracle{
		client:   client,
		cache:    make(map[string]*cachedPrice),
		cacheTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EstimateTxValueUSD converts a native-unit transaction value on a chain
// into micro-USD. A zero value costs nothing and skips the price feed.
// Feed failures return an error; callers must not treat them as zero value.
func (o *Oracle) EstimateTxValueUSD(ctx context.Context, value *big.Int, chainID int64) (int64, error) {
	if value == nil || value.Sign() == 0 {
		return 0, nil
	}

	asset, ok := nativeAssets[chainID]
	if !ok {
		return 0, errors.Errorf("no native asset configured for chain %d", chainID)
	}

	priceUSD, err := o.getPrice(ctx, asset.coinID)
	if err != nil {
		return 0, err
	}

	return toMicroUSD(value, asset.decimals, priceUSD), nil
}

// TokenPriceUSD returns the USD spot price for a token address on a chain.
// Stablecoins short-circuit to $1.00 without touching the feed.
func (o *Oracle) TokenPriceUSD(ctx context.Context, address string, chainID int64) (float64, error) {
	if _, ok := stablecoinAddresses[chainID][strings.ToLower(address)]; ok {
		return 1.0, nil
	}

	coinID, ok := coinGeckoIDs[strings.ToLower(address)]
	if !ok {
		return 0, errors.Errorf("no price feed mapping for token %s on chain %d", address, chainID)
	}
	return o.getPrice(ctx, coinID)
}

// coinGeckoIDs maps well-known token addresses to CoinGecko asset IDs.
var coinGeckoIDs = map[string]string{
	"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee": "ethereum",
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "usd-coin",
	"0xdac17f958d2ee523a2206206994597c13d831ec7": "tether",
	"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599": "wrapped-bitcoin",
	"so11111111111111111111111111111111111111112": "solana",
}

func (o *Oracle) getPrice(ctx context.Context, coinID string) (float64, error) {
	if cached := o.getCached(coinID); cached != nil {
		return cached.priceUSD, nil
	}

	priceUSD, err := o.client.GetPriceUSD(ctx, coinID)
	if err != nil {
		return 0, errors.Wrapf(err, "price lookup failed for %s", coinID)
	}
	if priceUSD <= 0 {
		return 0, errors.Errorf("price feed returned non-positive price for %s", coinID)
	}

	o.setCached(coinID, priceUSD)

	logger.Debug("Fetched spot price",
		zap.String("asset", coinID),
		zap.Float64("price_usd", priceUSD),
	)
	return priceUSD, nil
}

func (o *Oracle) getCached(key string) *cachedPrice {
	o.cacheMutex.RLock()
	defer o.cacheMutex.RUnlock()

	if p, exists := o.cache[key]; exists && time.Now().Before(p.expiresAt) {
		return p
	}
	return nil
}

func (o *Oracle) setCached(key string, priceUSD float64) {
	o.cacheMutex.Lock()
	defer o.cacheMutex.Unlock()

	now := time.Now()
	o.cache[key] = &cachedPrice{
		priceUSD:  priceUSD,
		updatedAt: now,
		expiresAt: now.Add(o.cacheTTL),
	}
}

// ClearCache drops all cached prices.
func (o *Oracle) ClearCache() {
	o.cacheMutex.Lock()
	defer o.cacheMutex.Unlock()
	o.cache = make(map[string]*cachedPrice)
}

// toMicroUSD computes floor(value / 10^decimals * priceUSD * 1e6) without
// intermediate int64 overflow; native values (wei) routinely exceed int64.
func toMicroUSD(value *big.Int, decimals int, priceUSD float64) int64 {
	amount := new(big.Float).SetInt(value)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	amount.Quo(amount, scale)
	amount.Mul(amount, big.NewFloat(priceUSD))
	amount.Mul(amount, big.NewFloat(1_000_000))

	micro, _ := amount.Int64()
	return micro
}

// Static is a fixed-price oracle for local development and tests.
type Static struct {
	// PricesUSD maps chain ID to the USD price of one whole native unit.
	PricesUSD map[int64]float64
}

// EstimateTxValueUSD implements guard.PriceEstimator against the fixed table.
func (s *Static) EstimateTxValueUSD(_ context.Context, value *big.Int, chainID int64) (int64, error) {
	if value == nil || value.Sign() == 0 {
		return 0, nil
	}
	priceUSD, ok := s.PricesUSD[chainID]
	if !ok {
		return 0, errors.Errorf("no static price for chain %d", chainID)
	}
	asset, ok := nativeAssets[chainID]
	if !ok {
		return 0, errors.Errorf("no native asset configured for chain %d", chainID)
	}
	return toMicroUSD(value, asset.decimals, priceUSD), nil
}
