// Package indicators computes the technical-indicator series the collector
// attaches to each market snapshot. All math is delegated to
// cinar/indicator; this package only adapts slices to its channel API and
// aligns the emitted series to the newest candle.
package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// Standard MACD periods.
const (
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9
)

// EMASeries returns the exponential moving average series for the given
// period. The result is shorter than the input by the warmup window and
// ends at the newest price.
func EMASeries(prices []float64, period int) ([]float64, error) {
	if period < 1 || period > len(prices) {
		return nil, fmt.Errorf("ema: invalid period %d for %d prices", period, len(prices))
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	out := collect(ema.Compute(sliceToChan(prices)))
	if len(out) == 0 {
		return nil, fmt.Errorf("ema: no values for period %d", period)
	}
	return out, nil
}

// RSISeries returns the relative strength index series for the given period.
func RSISeries(prices []float64, period int) ([]float64, error) {
	if period < 1 || period >= len(prices) {
		return nil, fmt.Errorf("rsi: invalid period %d for %d prices", period, len(prices))
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	out := collect(rsi.Compute(sliceToChan(prices)))
	if len(out) == 0 {
		return nil, fmt.Errorf("rsi: no values for period %d", period)
	}
	return out, nil
}

// MACDSeries returns the MACD line series with the standard 12/26/9 periods.
// The signal line is discarded; snapshots carry only the MACD value.
func MACDSeries(prices []float64) ([]float64, error) {
	minRequired := MACDSlow + MACDSignal
	if len(prices) < minRequired {
		return nil, fmt.Errorf("macd: need at least %d prices, got %d", minRequired, len(prices))
	}
	macd := trend.NewMacdWithPeriod[float64](MACDFast, MACDSlow, MACDSignal)
	macdChan, signalChan := macd.Compute(sliceToChan(prices))

	var out []float64
	for {
		m, mok := <-macdChan
		_, sok := <-signalChan
		if !mok || !sok {
			break
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("macd: no values")
	}
	return out, nil
}

// ATRSeries returns the average true range series for the given period.
func ATRSeries(highs, lows, closes []float64, period int) ([]float64, error) {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return nil, fmt.Errorf("atr: mismatched series lengths %d/%d/%d", len(highs), len(lows), len(closes))
	}
	if period < 1 || period > len(closes) {
		return nil, fmt.Errorf("atr: invalid period %d for %d candles", period, len(closes))
	}
	atr := volatility.NewAtrWithPeriod[float64](period)
	out := collect(atr.Compute(sliceToChan(highs), sliceToChan(lows), sliceToChan(closes)))
	if len(out) == 0 {
		return nil, fmt.Errorf("atr: no values for period %d", period)
	}
	return out, nil
}

// Tail returns the last n values of series, or the whole series when it is
// shorter than n.
func Tail(series []float64, n int) []float64 {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}

func sliceToChan(values []float64) chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func collect(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}
