// Package binance 把 Binance 现货接成 connector.VenueAdapter。
// REST 走 transport.RESTClient（HMAC 签名 + 限流），行情与私有流走 websocket。
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange-connector-go/book"
	"exchange-connector-go/connector"
	"exchange-connector-go/order"
	"exchange-connector-go/throttle"
	"exchange-connector-go/transport"
)

// 端点限流 ID。权重取自 Binance 现货接口文档。
const (
	PoolRequestWeight = "binance-request-weight" // 全局权重池 6000/min
	PoolOrders        = "binance-orders"         // 下单池 100/10s

	LimitDepth        = "binance-depth"
	LimitExchangeInfo = "binance-exchange-info"
	LimitOrder        = "binance-order"
	LimitOrderStatus  = "binance-order-status"
	LimitAccount      = "binance-account"
	LimitUserStream   = "binance-user-stream"
)

// DefaultRateLimits Binance 现货的限流规则集，直接喂给 throttle.NewThrottler。
func DefaultRateLimits() []throttle.Rule {
	weightPool := func(w int) []throttle.LinkedPool {
		return []throttle.LinkedPool{{PoolID: PoolRequestWeight, Weight: w}}
	}
	return []throttle.Rule{
		{LimitID: PoolRequestWeight, Capacity: 6000, Window: time.Minute},
		{LimitID: PoolOrders, Capacity: 100, Window: 10 * time.Second},
		{LimitID: LimitDepth, Capacity: 6000, Window: time.Minute, Weight: 50, LinkedPools: weightPool(50)},
		{LimitID: LimitExchangeInfo, Capacity: 6000, Window: time.Minute, Weight: 20, LinkedPools: weightPool(20)},
		{LimitID: LimitOrder, Capacity: 100, Window: 10 * time.Second,
			LinkedPools: append(weightPool(1), throttle.LinkedPool{PoolID: PoolOrders, Weight: 1})},
		{LimitID: LimitOrderStatus, Capacity: 6000, Window: time.Minute, Weight: 4, LinkedPools: weightPool(4)},
		{LimitID: LimitAccount, Capacity: 6000, Window: time.Minute, Weight: 20, LinkedPools: weightPool(20)},
		{LimitID: LimitUserStream, Capacity: 6000, Window: time.Minute, Weight: 2, LinkedPools: weightPool(2)},
	}
}

// Config 接入参数。
type Config struct {
	RESTBaseURL string // 默认 https://api.binance.com
	WSBaseURL   string // 默认 wss://stream.binance.com:9443
	APIKey      string
	APISecret   string
	PingTimeout time.Duration
}

// Adapter 实现 connector.VenueAdapter。
type Adapter struct {
	rest        *transport.RESTClient
	wsBaseURL   string
	apiKey      string
	pingTimeout time.Duration
	log         *zap.Logger

	mu           sync.Mutex
	pairBySymbol map[string]string
}

var _ connector.VenueAdapter = (*Adapter)(nil)

func New(cfg Config, th *throttle.Throttler, log *zap.Logger) *Adapter {
	if cfg.RESTBaseURL == "" {
		cfg.RESTBaseURL = "https://api.binance.com"
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = "wss://stream.binance.com:9443"
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = transport.DefaultPingTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	rest := &transport.RESTClient{
		BaseURL:    cfg.RESTBaseURL,
		HTTPClient: transport.NewDefaultHTTPClient(),
		Throttler:  th,
		Auth: &transport.HMACAuth{
			APIKey:    cfg.APIKey,
			Secret:    cfg.APISecret,
			KeyHeader: "X-MBX-APIKEY",
			SigParam:  "signature",
		},
		// 签名接口要求毫秒时间戳参数，公共接口不加
		PreProcessors: []transport.RequestProcessor{signedTimestamp},
		Log:           log,
	}
	return &Adapter{
		rest:         rest,
		wsBaseURL:    cfg.WSBaseURL,
		apiKey:       cfg.APIKey,
		pingTimeout:  cfg.PingTimeout,
		log:          log,
		pairBySymbol: make(map[string]string),
	}
}

func signedTimestamp(r *transport.Request) error {
	if !r.AuthRequired {
		return nil
	}
	return transport.TimestampProcessor("timestamp")(r)
}

func (a *Adapter) Name() string { return "binance" }

// pairSymbol BTC-USDT -> BTCUSDT
func pairSymbol(pair string) string {
	return strings.ReplaceAll(pair, "-", "")
}

func (a *Adapter) registerPair(symbol, pair string) {
	a.mu.Lock()
	a.pairBySymbol[symbol] = pair
	a.mu.Unlock()
}

func (a *Adapter) pairFor(symbol string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pairBySymbol[symbol]; ok {
		return p
	}
	return symbol
}

type depthResp struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// FetchSnapshot GET /api/v3/depth。
func (a *Adapter) FetchSnapshot(ctx context.Context, pair string) (book.Snapshot, error) {
	symbol := pairSymbol(pair)
	a.registerPair(symbol, pair)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "1000")
	resp, err := a.rest.Execute(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "/api/v3/depth",
		Params:  params,
		LimitID: LimitDepth,
	})
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("binance: depth %s: %w", pair, err)
	}
	var d depthResp
	if err := json.Unmarshal(resp.Body, &d); err != nil {
		return book.Snapshot{}, fmt.Errorf("binance: parse depth: %w", err)
	}
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return book.Snapshot{}, err
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return book.Snapshot{}, err
	}
	return book.Snapshot{Pair: pair, SequenceID: d.LastUpdateID, Bids: bids, Asks: asks}, nil
}

type placeResp struct {
	OrderID      int64 `json:"orderId"`
	TransactTime int64 `json:"transactTime"`
}

// PlaceOrder POST /api/v3/order。
func (a *Adapter) PlaceOrder(ctx context.Context, o order.Order) (order.PlaceResult, error) {
	params := url.Values{}
	params.Set("symbol", pairSymbol(o.Pair))
	params.Set("side", string(o.Side))
	params.Set("quantity", o.Amount.String())
	params.Set("newClientOrderId", o.ClientOrderID)
	switch o.Type {
	case order.TypeMarket:
		params.Set("type", "MARKET")
	case order.TypeLimitMaker:
		params.Set("type", "LIMIT_MAKER")
		params.Set("price", o.Price.String())
	default:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", o.Price.String())
	}
	resp, err := a.rest.Execute(ctx, transport.Request{
		Method:       http.MethodPost,
		Path:         "/api/v3/order",
		Params:       params,
		AuthRequired: true,
		LimitID:      LimitOrder,
	})
	if err != nil {
		return order.PlaceResult{}, fmt.Errorf("binance: place %s: %w", o.ClientOrderID, err)
	}
	var pr placeResp
	if err := json.Unmarshal(resp.Body, &pr); err != nil {
		return order.PlaceResult{}, fmt.Errorf("binance: parse place response: %w", err)
	}
	if pr.OrderID == 0 {
		return order.PlaceResult{}, fmt.Errorf("binance: place %s: empty orderId", o.ClientOrderID)
	}
	return order.PlaceResult{
		ExchangeOrderID: strconv.FormatInt(pr.OrderID, 10),
		Timestamp:       time.UnixMilli(pr.TransactTime).UTC(),
	}, nil
}

// CancelOrder DELETE /api/v3/order。2xx 即视为交易所已确认撤单。
func (a *Adapter) CancelOrder(ctx context.Context, o order.Order) (bool, error) {
	params := url.Values{}
	params.Set("symbol", pairSymbol(o.Pair))
	params.Set("origClientOrderId", o.ClientOrderID)
	_, err := a.rest.Execute(ctx, transport.Request{
		Method:       http.MethodDelete,
		Path:         "/api/v3/order",
		Params:       params,
		AuthRequired: true,
		LimitID:      LimitOrder,
	})
	if err != nil {
		return false, fmt.Errorf("binance: cancel %s: %w", o.ClientOrderID, err)
	}
	return true, nil
}

type orderStatusResp struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
	Time    int64  `json:"updateTime"`
}

// PollOrderStatus GET /api/v3/order。-2013 映射为 order.ErrOrderNotFound。
func (a *Adapter) PollOrderStatus(ctx context.Context, o order.Order) (order.Update, error) {
	params := url.Values{}
	params.Set("symbol", pairSymbol(o.Pair))
	params.Set("origClientOrderId", o.ClientOrderID)
	resp, err := a.rest.Execute(ctx, transport.Request{
		Method:       http.MethodGet,
		Path:         "/api/v3/order",
		Params:       params,
		AuthRequired: true,
		LimitID:      LimitOrderStatus,
	})
	if err != nil {
		if apiErrorCode(err) == -2013 {
			return order.Update{}, order.ErrOrderNotFound
		}
		return order.Update{}, fmt.Errorf("binance: order status %s: %w", o.ClientOrderID, err)
	}
	var st orderStatusResp
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		return order.Update{}, fmt.Errorf("binance: parse order status: %w", err)
	}
	state, ok := mapOrderStatus(st.Status)
	if !ok {
		return order.Update{}, fmt.Errorf("binance: unknown order status %q", st.Status)
	}
	return order.Update{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(st.OrderID, 10),
		State:           state,
		Timestamp:       time.UnixMilli(st.Time).UTC(),
	}, nil
}

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// TradingRules GET /api/v3/exchangeInfo，只保留 TRADING 状态的交易对。
func (a *Adapter) TradingRules(ctx context.Context) (map[string]order.TradingRule, error) {
	resp, err := a.rest.Execute(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "/api/v3/exchangeInfo",
		LimitID: LimitExchangeInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}
	var info exchangeInfoResp
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("binance: parse exchange info: %w", err)
	}
	rules := make(map[string]order.TradingRule, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		pair := s.BaseAsset + "-" + s.QuoteAsset
		a.registerPair(s.Symbol, pair)
		r := order.TradingRule{Pair: pair}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				r.TickSize = mustDecimal(f.TickSize)
			case "LOT_SIZE":
				r.StepSize = mustDecimal(f.StepSize)
				r.MinQty = mustDecimal(f.MinQty)
				r.MaxQty = mustDecimal(f.MaxQty)
			case "NOTIONAL", "MIN_NOTIONAL":
				r.MinNotional = mustDecimal(f.MinNotional)
			}
		}
		rules[pair] = r
	}
	return rules, nil
}

type accountResp struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// FetchBalances GET /api/v3/account。
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]connector.Balance, error) {
	resp, err := a.rest.Execute(ctx, transport.Request{
		Method:       http.MethodGet,
		Path:         "/api/v3/account",
		AuthRequired: true,
		LimitID:      LimitAccount,
	})
	if err != nil {
		return nil, fmt.Errorf("binance: account: %w", err)
	}
	var acct accountResp
	if err := json.Unmarshal(resp.Body, &acct); err != nil {
		return nil, fmt.Errorf("binance: parse account: %w", err)
	}
	out := make(map[string]connector.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free := mustDecimal(b.Free)
		locked := mustDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[b.Asset] = connector.Balance{Available: free, Total: free.Add(locked)}
	}
	return out, nil
}

func parseLevels(raw [][2]string) ([]book.PriceLevel, error) {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, fmt.Errorf("binance: bad price %q: %w", lv[0], err)
		}
		amount, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, fmt.Errorf("binance: bad amount %q: %w", lv[1], err)
		}
		out = append(out, book.PriceLevel{Price: price, Amount: amount})
	}
	return out, nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// apiErrorCode 提取 Binance 错误响应里的业务错误码，提不出来返回 0。
func apiErrorCode(err error) int {
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	var body struct {
		Code int `json:"code"`
	}
	if json.Unmarshal(apiErr.Body, &body) != nil {
		return 0
	}
	return body.Code
}

func mapOrderStatus(s string) (order.State, bool) {
	switch s {
	case "NEW":
		return order.StateOpen, true
	case "PARTIALLY_FILLED":
		return order.StatePartiallyFilled, true
	case "FILLED":
		return order.StateFilled, true
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StateCancelled, true
	case "PENDING_CANCEL":
		return order.StatePendingCancel, true
	case "REJECTED":
		return order.StateFailed, true
	default:
		return "", false
	}
}
