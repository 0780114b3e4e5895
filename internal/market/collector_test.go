package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparena/perparena/internal/hyperliquid"
	"github.com/perparena/perparena/pkg/types"
)

// stubVenue serves synthetic candles with a gentle sine wave around a base
// price so every indicator series has real variance to chew on.
type stubVenue struct {
	candleErr   error
	contextsErr error
	failCoin    string
	calls       map[string]int
}

func newStubVenue() *stubVenue {
	return &stubVenue{calls: make(map[string]int)}
}

func (s *stubVenue) Candles(_ context.Context, coin, interval string, limit int) ([]hyperliquid.Candle, error) {
	s.calls[coin+"/"+interval]++
	if s.candleErr != nil && (s.failCoin == "" || s.failCoin == coin) {
		return nil, s.candleErr
	}
	return syntheticCandles(coin, interval, limit), nil
}

func (s *stubVenue) AssetContexts(_ context.Context) (map[string]hyperliquid.MarketContext, error) {
	s.calls["contexts"]++
	if s.contextsErr != nil {
		return nil, s.contextsErr
	}
	ctxs := make(map[string]hyperliquid.MarketContext, len(types.Basket))
	for i, coin := range types.Basket {
		ctxs[coin] = hyperliquid.MarketContext{
			MidPrice:     1000 + float64(i),
			OpenInterest: 5_000_000,
			FundingRate:  0.0001,
		}
	}
	return ctxs, nil
}

// Candle price fields are parsed off the wire, so the stub goes through
// JSON rather than constructing candles directly.
func syntheticCandles(coin, interval string, limit int) []hyperliquid.Candle {
	base := 60_000.0
	if coin != "BTC" {
		base = 100.0
	}
	bars := make([]hyperliquid.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		close := base * (1 + 0.01*math.Sin(float64(i)/7))
		payload := fmt.Sprintf(
			`{"t":%d,"T":%d,"s":%q,"i":%q,"o":"%f","c":"%f","h":"%f","l":"%f","v":"10","n":5}`,
			int64(i)*180_000, int64(i+1)*180_000, coin, interval,
			close, close, close*1.003, close*0.997,
		)
		var c hyperliquid.Candle
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			panic(err)
		}
		bars = append(bars, c)
	}
	return bars
}

func TestCollectBuildsFullSnapshot(t *testing.T) {
	venue := newStubVenue()
	c := NewCollector(venue)

	snap, err := c.Collect(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, int64(7), snap.CycleID)
	assert.Len(t, snap.Coins, len(types.Basket))

	for _, coin := range types.Basket {
		view, ok := snap.Coins[coin]
		require.True(t, ok, "missing coin %s", coin)
		assert.Len(t, view.Series3m, types.SeriesLen, "%s 3m rows", coin)
		assert.Len(t, view.Series4h, types.SeriesLen, "%s 4h rows", coin)
		assert.Positive(t, view.MidPrice)
		assert.Positive(t, view.OpenInterest)

		for _, row := range view.Series3m {
			assert.Positive(t, row.Close)
			assert.Positive(t, row.EMA20)
			assert.GreaterOrEqual(t, row.RSI14, 0.0)
			assert.LessOrEqual(t, row.RSI14, 100.0)
		}
		for _, row := range view.Series4h {
			assert.Positive(t, row.EMA50)
			assert.Positive(t, row.ATR14)
		}
	}

	// Two timeframes per coin, one context call.
	assert.Equal(t, 1, venue.calls["contexts"])
	assert.Equal(t, 1, venue.calls["BTC/3m"])
	assert.Equal(t, 1, venue.calls["BTC/4h"])
}

func TestCollectContextFailureIsDataUnavailable(t *testing.T) {
	venue := newStubVenue()
	venue.contextsErr = errors.New("venue 503")
	c := NewCollector(venue)

	snap, err := c.Collect(context.Background(), 1)
	assert.Nil(t, snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDataUnavailable)
	assert.Equal(t, fetchAttempts, venue.calls["contexts"])
}

func TestCollectSingleCoinFailureFailsSnapshot(t *testing.T) {
	venue := newStubVenue()
	venue.candleErr = errors.New("venue timeout")
	venue.failCoin = "SOL"
	c := NewCollector(venue)

	snap, err := c.Collect(context.Background(), 2)
	assert.Nil(t, snap, "partial snapshots are never returned")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "SOL")
}

func TestCollectStopsRetryingOnCancelledContext(t *testing.T) {
	venue := newStubVenue()
	venue.candleErr = errors.New("venue timeout")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCollector(venue)
	_, err := c.Collect(ctx, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDataUnavailable)
	// The backoff select bails out instead of sleeping, so only the
	// first coin's first attempt runs.
	assert.Equal(t, 1, venue.calls["BTC/3m"])
}
