package hyperliquid

import (
	"fmt"
	"strconv"
)

// numeric is the venue's string-encoded decimal. The API returns and
// expects all prices and sizes as strings.
type numeric string

func (n numeric) Float64() (float64, error) {
	if n == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", n, err)
	}
	return v, nil
}

// Candle is one OHLCV bar from the info endpoint.
type Candle struct {
	OpenTime  int64   `json:"t"`
	CloseTime int64   `json:"T"`
	Coin      string  `json:"s"`
	Interval  string  `json:"i"`
	Open      numeric `json:"o"`
	Close     numeric `json:"c"`
	High      numeric `json:"h"`
	Low       numeric `json:"l"`
	Volume    numeric `json:"v"`
	Trades    int     `json:"n"`
}

// candleSnapshotRequest is the info request for historical candles.
type candleSnapshotRequest struct {
	Type string            `json:"type"`
	Req  candleSnapshotReq `json:"req"`
}

type candleSnapshotReq struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// AssetMeta is one entry of the meta universe: the venue's symbol table.
// Asset indices are positional in the universe array and resolved
// dynamically, never hard-coded.
type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

// metaResponse is the first element of the metaAndAssetCtxs reply.
type metaResponse struct {
	Universe []AssetMeta `json:"universe"`
}

// AssetCtx is the per-asset market context: mark/mid prices, funding and
// open interest. Positional, aligned with the universe array.
type AssetCtx struct {
	Funding      numeric `json:"funding"`
	OpenInterest numeric `json:"openInterest"`
	MarkPx       numeric `json:"markPx"`
	MidPx        numeric `json:"midPx"`
	OraclePx     numeric `json:"oraclePx"`
}

// clearinghouseState is the authenticated account view.
type clearinghouseState struct {
	AssetPositions []assetPosition `json:"assetPositions"`
	MarginSummary  marginSummary   `json:"marginSummary"`
	Withdrawable   numeric         `json:"withdrawable"`
}

type marginSummary struct {
	AccountValue numeric `json:"accountValue"`
	TotalNtlPos  numeric `json:"totalNtlPos"`
}

type assetPosition struct {
	Position rawPosition `json:"position"`
}

type rawPosition struct {
	Coin          string       `json:"coin"`
	Szi           numeric      `json:"szi"` // signed size: negative = short
	EntryPx       numeric      `json:"entryPx"`
	PositionValue numeric      `json:"positionValue"`
	UnrealizedPnl numeric      `json:"unrealizedPnl"`
	LiquidationPx numeric      `json:"liquidationPx"`
	MarginUsed    numeric      `json:"marginUsed"`
	Leverage      leverageInfo `json:"leverage"`
}

type leverageInfo struct {
	Type  string `json:"type"` // "cross" or "isolated"
	Value int    `json:"value"`
}

// orderWire is one order inside an order action.
type orderWire struct {
	Asset      int       `json:"a"`
	IsBuy      bool      `json:"b"`
	Price      string    `json:"p"`
	Size       string    `json:"s"`
	ReduceOnly bool      `json:"r"`
	Type       orderType `json:"t"`
	ClientID   string    `json:"c,omitempty"`
}

type orderType struct {
	Limit   *limitType   `json:"limit,omitempty"`
	Trigger *triggerType `json:"trigger,omitempty"`
}

type limitType struct {
	TIF string `json:"tif"` // "Ioc" for aggressive market-like orders
}

type triggerType struct {
	IsMarket  bool   `json:"isMarket"`
	TriggerPx string `json:"triggerPx"`
	TpSl      string `json:"tpsl"` // "tp" or "sl"
}

// orderAction is the signed payload for order placement.
type orderAction struct {
	Type     string      `json:"type"` // "order"
	Orders   []orderWire `json:"orders"`
	Grouping string      `json:"grouping"` // "na"
}

// leverageAction updates isolated leverage for one asset.
type leverageAction struct {
	Type     string `json:"type"` // "updateLeverage"
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage int    `json:"leverage"`
}

// cancelAction cancels an order by client order id.
type cancelAction struct {
	Type    string          `json:"type"` // "cancelByCloid"
	Cancels []cancelByCloid `json:"cancels"`
}

type cancelByCloid struct {
	Asset    int    `json:"asset"`
	ClientID string `json:"cloid"`
}

// exchangeRequest is the authenticated request envelope.
type exchangeRequest struct {
	Action    interface{}   `json:"action"`
	Nonce     int64         `json:"nonce"`
	Signature wireSignature `json:"signature"`
}

type wireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// exchangeResponse is the venue's reply envelope.
type exchangeResponse struct {
	Status   string           `json:"status"` // "ok" or "err"
	Response *exchangeRespBody `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type exchangeRespBody struct {
	Type string            `json:"type"`
	Data *exchangeRespData `json:"data,omitempty"`
}

type exchangeRespData struct {
	Statuses []orderStatusWire `json:"statuses"`
}

// orderStatusWire is one per-order outcome inside an order response.
// Exactly one field is set.
type orderStatusWire struct {
	Resting *restingStatus `json:"resting,omitempty"`
	Filled  *filledStatus  `json:"filled,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type restingStatus struct {
	Oid int64 `json:"oid"`
}

type filledStatus struct {
	Oid     int64   `json:"oid"`
	TotalSz numeric `json:"totalSz"`
	AvgPx   numeric `json:"avgPx"`
}

// OrderResult is the parsed outcome of one order submission.
type OrderResult struct {
	ExchangeOrderID string
	Filled          bool
	FilledSize      float64
	AvgPrice        float64
	Resting         bool
}
