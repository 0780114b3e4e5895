// Package hyperliquid implements the perpetual DEX client: unauthenticated
// info reads (candles, asset contexts, account state) and signed exchange
// writes (orders, leverage updates). Asset indices are resolved from the
// venue's meta response and cached in-process.
package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/pkg/types"
)

// Client talks to the venue's info and exchange endpoints. All calls pass
// through a shared token bucket honoring the venue rate limit.
type Client struct {
	info     *resty.Client
	exchange *resty.Client
	signer   *Signer
	limiter  *rate.Limiter
	slippage float64

	mu     sync.RWMutex
	assets map[string]assetEntry // coin -> index + meta, cached from meta response
}

type assetEntry struct {
	Index       int
	SzDecimals  int
	MaxLeverage int
}

// Account is the venue's view of the trading account.
type Account struct {
	Equity        float64
	FreeCash      float64
	UnrealizedPnL float64
	GrossExposure float64
}

// PlaceOrderRequest describes one order submission.
type PlaceOrderRequest struct {
	Coin       string
	IsBuy      bool
	Size       float64
	LimitPrice float64
	ReduceOnly bool
	ClientID   string   // idempotency key; the venue deduplicates on it
	Trigger    *Trigger // nil for plain IOC orders
}

// Trigger makes the order a conditional stop-loss or take-profit.
type Trigger struct {
	Price float64
	TpSl  string // "tp" or "sl"
}

// NewClient builds a venue client from config and a signer.
func NewClient(cfg config.VenueConfig, signer *Signer) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	info := resty.New().
		SetBaseURL(cfg.InfoURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	// No automatic retry on the exchange endpoint: the executor owns
	// retries so every resubmission carries its idempotency key.
	exchange := resty.New().
		SetBaseURL(cfg.ExchangeURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	perMin := cfg.RateLimitPerMin
	if perMin == 0 {
		perMin = 60
	}

	return &Client{
		info:     info,
		exchange: exchange,
		signer:   signer,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin/6+1),
		slippage: cfg.SlippagePct,
		assets:   make(map[string]assetEntry),
	}
}

// Slippage returns the configured aggressive-order price offset.
func (c *Client) Slippage() float64 {
	return c.slippage
}

// Candles fetches the most recent candles for a coin and interval.
func (c *Client) Candles(ctx context.Context, coin, interval string, limit int) ([]Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	dur, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.Add(-dur * time.Duration(limit+1))

	req := candleSnapshotRequest{
		Type: "candleSnapshot",
		Req: candleSnapshotReq{
			Coin:      coin,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}

	var candles []Candle
	resp, err := c.info.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&candles).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("candle snapshot %s/%s: %w: %w", coin, interval, types.ErrExchangeTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}

	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// MarketContext is the per-coin mid price, open interest and funding rate.
type MarketContext struct {
	MidPrice     float64
	OpenInterest float64
	FundingRate  float64
}

// AssetContexts fetches the meta universe and per-asset market contexts,
// refreshing the in-process asset index cache as a side effect.
func (c *Client) AssetContexts(ctx context.Context) (map[string]MarketContext, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	resp, err := c.info.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "metaAndAssetCtxs"}).
		SetResult(&raw).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("meta and asset ctxs: %w: %w", types.ErrExchangeTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("meta and asset ctxs: unexpected reply shape (%d elements)", len(raw))
	}

	var meta metaResponse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	var ctxs []AssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("parse asset ctxs: %w", err)
	}
	if len(ctxs) != len(meta.Universe) {
		return nil, fmt.Errorf("asset ctxs misaligned with universe: %d vs %d", len(ctxs), len(meta.Universe))
	}

	c.mu.Lock()
	for i, am := range meta.Universe {
		c.assets[am.Name] = assetEntry{Index: i, SzDecimals: am.SzDecimals, MaxLeverage: am.MaxLeverage}
	}
	c.mu.Unlock()

	out := make(map[string]MarketContext, len(meta.Universe))
	for i, am := range meta.Universe {
		mid, err := ctxs[i].MidPx.Float64()
		if err != nil {
			return nil, err
		}
		oi, err := ctxs[i].OpenInterest.Float64()
		if err != nil {
			return nil, err
		}
		funding, err := ctxs[i].Funding.Float64()
		if err != nil {
			return nil, err
		}
		out[am.Name] = MarketContext{MidPrice: mid, OpenInterest: oi, FundingRate: funding}
	}
	return out, nil
}

// AccountState fetches positions and account balances in one call.
func (c *Client) AccountState(ctx context.Context) (Account, []types.Position, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Account{}, nil, err
	}

	var state clearinghouseState
	resp, err := c.info.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"type": "clearinghouseState",
			"user": c.signer.Address().Hex(),
		}).
		SetResult(&state).
		Post("")
	if err != nil {
		return Account{}, nil, fmt.Errorf("clearinghouse state: %w: %w", types.ErrExchangeTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Account{}, nil, classifyStatus(resp.StatusCode(), resp.String())
	}

	equity, err := state.MarginSummary.AccountValue.Float64()
	if err != nil {
		return Account{}, nil, err
	}
	freeCash, err := state.Withdrawable.Float64()
	if err != nil {
		return Account{}, nil, err
	}
	gross, err := state.MarginSummary.TotalNtlPos.Float64()
	if err != nil {
		return Account{}, nil, err
	}

	var positions []types.Position
	var totalUpnl float64
	for _, ap := range state.AssetPositions {
		pos, err := convertPosition(ap.Position)
		if err != nil {
			return Account{}, nil, err
		}
		if pos.Side == types.PositionFlat {
			continue
		}
		totalUpnl += pos.UnrealizedPnL
		positions = append(positions, pos)
	}

	account := Account{
		Equity:        equity,
		FreeCash:      freeCash,
		UnrealizedPnL: totalUpnl,
		GrossExposure: gross,
	}
	return account, positions, nil
}

// UpdateLeverage sets isolated leverage for a coin and waits for the
// venue's acknowledgement.
func (c *Client) UpdateLeverage(ctx context.Context, coin string, leverage int) error {
	asset, err := c.assetFor(ctx, coin)
	if err != nil {
		return err
	}

	action := leverageAction{
		Type:     "updateLeverage",
		Asset:    asset.Index,
		IsCross:  false,
		Leverage: leverage,
	}

	resp, err := c.submit(ctx, action)
	if err != nil {
		return fmt.Errorf("update leverage %s to %dx: %w", coin, leverage, err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("update leverage %s: venue error: %s", coin, resp.Error)
	}

	log.Debug().Str("coin", coin).Int("leverage", leverage).Msg("Leverage updated")
	return nil
}

// PlaceOrder submits one order. Plain orders go out as IOC limits at the
// given price; trigger orders become reduce-only conditional orders.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderResult, error) {
	asset, err := c.assetFor(ctx, req.Coin)
	if err != nil {
		return OrderResult{}, err
	}

	wire := orderWire{
		Asset:      asset.Index,
		IsBuy:      req.IsBuy,
		Price:      FormatPrice(req.LimitPrice, asset.SzDecimals),
		Size:       FormatSize(req.Size, asset.SzDecimals),
		ReduceOnly: req.ReduceOnly,
		ClientID:   req.ClientID,
	}
	if req.Trigger != nil {
		wire.Type = orderType{Trigger: &triggerType{
			IsMarket:  true,
			TriggerPx: FormatPrice(req.Trigger.Price, asset.SzDecimals),
			TpSl:      req.Trigger.TpSl,
		}}
	} else {
		wire.Type = orderType{Limit: &limitType{TIF: "Ioc"}}
	}

	action := orderAction{
		Type:     "order",
		Orders:   []orderWire{wire},
		Grouping: "na",
	}

	resp, err := c.submit(ctx, action)
	if err != nil {
		return OrderResult{}, err
	}
	if resp.Status != "ok" {
		return OrderResult{}, classifyVenueError(resp.Error)
	}
	if resp.Response == nil || resp.Response.Data == nil || len(resp.Response.Data.Statuses) == 0 {
		return OrderResult{}, fmt.Errorf("order %s: empty status in venue reply", req.Coin)
	}

	status := resp.Response.Data.Statuses[0]
	switch {
	case status.Error != "":
		return OrderResult{}, fmt.Errorf("%w: order %s: %s", types.ErrOrderRejected, req.Coin, status.Error)
	case status.Filled != nil:
		size, err := status.Filled.TotalSz.Float64()
		if err != nil {
			return OrderResult{}, err
		}
		avg, err := status.Filled.AvgPx.Float64()
		if err != nil {
			return OrderResult{}, err
		}
		return OrderResult{
			ExchangeOrderID: strconv.FormatInt(status.Filled.Oid, 10),
			Filled:          true,
			FilledSize:      size,
			AvgPrice:        avg,
		}, nil
	case status.Resting != nil:
		return OrderResult{
			ExchangeOrderID: strconv.FormatInt(status.Resting.Oid, 10),
			Resting:         true,
		}, nil
	default:
		return OrderResult{}, fmt.Errorf("order %s: unrecognized venue status", req.Coin)
	}
}

// CancelByClientID cancels a resting order by its idempotency key.
func (c *Client) CancelByClientID(ctx context.Context, coin, clientID string) error {
	asset, err := c.assetFor(ctx, coin)
	if err != nil {
		return err
	}

	action := cancelAction{
		Type:    "cancelByCloid",
		Cancels: []cancelByCloid{{Asset: asset.Index, ClientID: clientID}},
	}

	resp, err := c.submit(ctx, action)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", clientID, err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("cancel %s: venue error: %s", clientID, resp.Error)
	}
	return nil
}

// submit signs and posts an exchange action. Nonce is wall-clock
// milliseconds per the venue contract.
func (c *Client) submit(ctx context.Context, action interface{}) (*exchangeResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	nonce := time.Now().UnixMilli()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return nil, err
	}

	var result exchangeResponse
	resp, err := c.exchange.R().
		SetContext(ctx).
		SetBody(exchangeRequest{Action: action, Nonce: nonce, Signature: sig}).
		SetResult(&result).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("exchange request: %w: %w", types.ErrExchangeTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// assetFor resolves a coin's asset entry, refreshing the meta cache on miss.
func (c *Client) assetFor(ctx context.Context, coin string) (assetEntry, error) {
	c.mu.RLock()
	entry, ok := c.assets[coin]
	c.mu.RUnlock()
	if ok {
		return entry, nil
	}

	if _, err := c.AssetContexts(ctx); err != nil {
		return assetEntry{}, err
	}

	c.mu.RLock()
	entry, ok = c.assets[coin]
	c.mu.RUnlock()
	if !ok {
		return assetEntry{}, fmt.Errorf("unknown asset %q", coin)
	}
	return entry, nil
}

func convertPosition(raw rawPosition) (types.Position, error) {
	szi, err := raw.Szi.Float64()
	if err != nil {
		return types.Position{}, err
	}

	pos := types.Position{Coin: raw.Coin, Side: types.PositionFlat}
	if szi == 0 {
		return pos, nil
	}

	if szi > 0 {
		pos.Side = types.PositionLong
		pos.Size = szi
	} else {
		pos.Side = types.PositionShort
		pos.Size = -szi
	}

	if pos.EntryPrice, err = raw.EntryPx.Float64(); err != nil {
		return types.Position{}, err
	}
	if pos.UnrealizedPnL, err = raw.UnrealizedPnl.Float64(); err != nil {
		return types.Position{}, err
	}
	if pos.LiquidationPrice, err = raw.LiquidationPx.Float64(); err != nil {
		return types.Position{}, err
	}
	posValue, err := raw.PositionValue.Float64()
	if err != nil {
		return types.Position{}, err
	}
	if pos.Size > 0 {
		pos.CurrentPrice = posValue / pos.Size
	}
	pos.Leverage = raw.Leverage.Value

	return pos, nil
}

func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported candle interval %q", interval)
	}
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(code int, body string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", types.ErrExchangeAuth, code, body)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d: %s", types.ErrExchangeTransient, code, body)
	default:
		return fmt.Errorf("venue rejected request: status %d: %s", code, body)
	}
}

// classifyVenueError maps an application-level venue error string.
func classifyVenueError(msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "signature") || strings.Contains(lower, "unauthorized") {
		return fmt.Errorf("%w: %s", types.ErrExchangeAuth, msg)
	}
	return errors.New("venue error: " + msg)
}
