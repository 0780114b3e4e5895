// Package market builds the per-cycle market snapshot: recent candles for
// every basket coin on two timeframes, the indicator series derived from
// them, and the venue's live mid price, open interest and funding rate.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/internal/hyperliquid"
	"github.com/perparena/perparena/internal/indicators"
	"github.com/perparena/perparena/pkg/types"
)

// Candle counts fetched per coin. Generous warmup so every indicator
// series still has SeriesLen rows after its window.
const (
	candles3m = 200
	candles4h = 100
)

const (
	fetchAttempts = 3
	fetchBackoff  = time.Second
)

// VenueData is the slice of the exchange client the collector needs.
type VenueData interface {
	Candles(ctx context.Context, coin, interval string, limit int) ([]hyperliquid.Candle, error)
	AssetContexts(ctx context.Context) (map[string]hyperliquid.MarketContext, error)
}

// Collector assembles market snapshots from venue data.
type Collector struct {
	venue  VenueData
	coins  []string
	logger zerolog.Logger
}

// NewCollector builds a collector over the canonical basket.
func NewCollector(venue VenueData) *Collector {
	return &Collector{
		venue:  venue,
		coins:  types.Basket,
		logger: config.NewLogger("market"),
	}
}

// Collect fetches candles and contexts for every basket coin and computes
// the indicator series. A snapshot is all or nothing: if any coin cannot
// be assembled after retries, Collect fails with ErrDataUnavailable and
// the cycle trades on no data rather than partial data.
func (c *Collector) Collect(ctx context.Context, cycleID int64) (*types.MarketSnapshot, error) {
	start := time.Now()

	ctxs, err := c.fetchContexts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: asset contexts: %w", types.ErrDataUnavailable, err)
	}

	snapshot := &types.MarketSnapshot{
		CycleID:    cycleID,
		CapturedAt: start,
		Coins:      make(map[string]types.CoinView, len(c.coins)),
	}

	for _, coin := range c.coins {
		mc, ok := ctxs[coin]
		if !ok {
			return nil, fmt.Errorf("%w: no asset context for %s", types.ErrDataUnavailable, coin)
		}

		view, err := c.collectCoin(ctx, coin, mc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrDataUnavailable, coin, err)
		}
		snapshot.Coins[coin] = view
	}

	c.logger.Debug().
		Int64("cycle_id", cycleID).
		Int("coins", len(snapshot.Coins)).
		Dur("elapsed", time.Since(start)).
		Msg("Market snapshot assembled")

	return snapshot, nil
}

func (c *Collector) collectCoin(ctx context.Context, coin string, mc hyperliquid.MarketContext) (types.CoinView, error) {
	bars3m, err := c.fetchCandles(ctx, coin, "3m", candles3m)
	if err != nil {
		return types.CoinView{}, err
	}
	bars4h, err := c.fetchCandles(ctx, coin, "4h", candles4h)
	if err != nil {
		return types.CoinView{}, err
	}

	series3m, err := build3m(bars3m)
	if err != nil {
		return types.CoinView{}, fmt.Errorf("3m series: %w", err)
	}
	series4h, err := build4h(bars4h)
	if err != nil {
		return types.CoinView{}, fmt.Errorf("4h series: %w", err)
	}

	return types.CoinView{
		MidPrice:     mc.MidPrice,
		OpenInterest: mc.OpenInterest,
		FundingRate:  mc.FundingRate,
		Series3m:     series3m,
		Series4h:     series4h,
	}, nil
}

// fetchCandles retries transient venue failures with linear backoff.
func (c *Collector) fetchCandles(ctx context.Context, coin, interval string, limit int) ([]hyperliquid.Candle, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		bars, err := c.venue.Candles(ctx, coin, interval, limit)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		c.logger.Warn().
			Err(err).
			Str("coin", coin).
			Str("interval", interval).
			Int("attempt", attempt).
			Msg("Candle fetch failed")

		if attempt < fetchAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(fetchBackoff * time.Duration(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("candles %s/%s after %d attempts: %w", coin, interval, fetchAttempts, lastErr)
}

func (c *Collector) fetchContexts(ctx context.Context) (map[string]hyperliquid.MarketContext, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		ctxs, err := c.venue.AssetContexts(ctx)
		if err == nil {
			return ctxs, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Asset context fetch failed")

		if attempt < fetchAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(fetchBackoff * time.Duration(attempt)):
			}
		}
	}
	return nil, lastErr
}

// build3m computes the 3-minute indicator rows, oldest to newest.
func build3m(bars []hyperliquid.Candle) ([]types.Point3m, error) {
	closes, _, _, err := ohlc(bars)
	if err != nil {
		return nil, err
	}

	ema20, err := indicators.EMASeries(closes, 20)
	if err != nil {
		return nil, err
	}
	macd, err := indicators.MACDSeries(closes)
	if err != nil {
		return nil, err
	}
	rsi7, err := indicators.RSISeries(closes, 7)
	if err != nil {
		return nil, err
	}
	rsi14, err := indicators.RSISeries(closes, 14)
	if err != nil {
		return nil, err
	}

	n := types.SeriesLen
	if err := requireLen(n, closes, ema20, macd, rsi7, rsi14); err != nil {
		return nil, err
	}

	tc := indicators.Tail(closes, n)
	te := indicators.Tail(ema20, n)
	tm := indicators.Tail(macd, n)
	t7 := indicators.Tail(rsi7, n)
	t14 := indicators.Tail(rsi14, n)

	rows := make([]types.Point3m, n)
	for i := 0; i < n; i++ {
		rows[i] = types.Point3m{
			Close: tc[i],
			EMA20: te[i],
			MACD:  tm[i],
			RSI7:  t7[i],
			RSI14: t14[i],
		}
	}
	return rows, nil
}

// build4h computes the 4-hour context rows, oldest to newest.
func build4h(bars []hyperliquid.Candle) ([]types.Point4h, error) {
	closes, highs, lows, err := ohlc(bars)
	if err != nil {
		return nil, err
	}

	ema20, err := indicators.EMASeries(closes, 20)
	if err != nil {
		return nil, err
	}
	ema50, err := indicators.EMASeries(closes, 50)
	if err != nil {
		return nil, err
	}
	atr3, err := indicators.ATRSeries(highs, lows, closes, 3)
	if err != nil {
		return nil, err
	}
	atr14, err := indicators.ATRSeries(highs, lows, closes, 14)
	if err != nil {
		return nil, err
	}
	macd, err := indicators.MACDSeries(closes)
	if err != nil {
		return nil, err
	}
	rsi14, err := indicators.RSISeries(closes, 14)
	if err != nil {
		return nil, err
	}

	n := types.SeriesLen
	if err := requireLen(n, ema20, ema50, atr3, atr14, macd, rsi14); err != nil {
		return nil, err
	}

	te20 := indicators.Tail(ema20, n)
	te50 := indicators.Tail(ema50, n)
	ta3 := indicators.Tail(atr3, n)
	ta14 := indicators.Tail(atr14, n)
	tm := indicators.Tail(macd, n)
	tr := indicators.Tail(rsi14, n)

	rows := make([]types.Point4h, n)
	for i := 0; i < n; i++ {
		rows[i] = types.Point4h{
			EMA20: te20[i],
			EMA50: te50[i],
			ATR3:  ta3[i],
			ATR14: ta14[i],
			MACD:  tm[i],
			RSI14: tr[i],
		}
	}
	return rows, nil
}

func ohlc(bars []hyperliquid.Candle) (closes, highs, lows []float64, err error) {
	closes = make([]float64, len(bars))
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	for i, b := range bars {
		if closes[i], err = b.Close.Float64(); err != nil {
			return nil, nil, nil, err
		}
		if highs[i], err = b.High.Float64(); err != nil {
			return nil, nil, nil, err
		}
		if lows[i], err = b.Low.Float64(); err != nil {
			return nil, nil, nil, err
		}
	}
	return closes, highs, lows, nil
}

func requireLen(n int, series ...[]float64) error {
	for _, s := range series {
		if len(s) < n {
			return fmt.Errorf("indicator series too short: %d < %d", len(s), n)
		}
	}
	return nil
}
