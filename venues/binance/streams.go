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
	"time"

	"go.uber.org/zap"

	"exchange-connector-go/book"
	"exchange-connector-go/connector"
	"exchange-connector-go/order"
	"exchange-connector-go/transport"
)

const listenKeyKeepalive = 30 * time.Minute

// SubscribeDiffs 订阅 combined depth 流。连接断开即关闭返回的通道，
// 重连由订单簿同步引擎负责。
func (a *Adapter) SubscribeDiffs(ctx context.Context, pairs []string) (<-chan book.Diff, error) {
	streams := make([]string, 0, len(pairs))
	for _, p := range pairs {
		symbol := pairSymbol(p)
		a.registerPair(symbol, p)
		streams = append(streams, strings.ToLower(symbol)+"@depth@100ms")
	}
	wsURL := a.wsBaseURL + "/stream?streams=" + strings.Join(streams, "/")
	conn, err := transport.DialWS(ctx, wsURL, a.pingTimeout)
	if err != nil {
		return nil, err
	}

	ch := make(chan book.Diff, 256)
	go func() {
		defer close(ch)
		defer conn.Close()
		for {
			msg, err := conn.Receive(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					a.log.Warn("depth stream read failed", zap.Error(err))
				}
				return
			}
			d, ok := a.parseDepthDiff(msg)
			if !ok {
				continue
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthUpdate struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FinalID   uint64      `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

func (a *Adapter) parseDepthDiff(raw []byte) (book.Diff, bool) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil || len(msg.Data) == 0 {
		return book.Diff{}, false
	}
	var du depthUpdate
	if err := json.Unmarshal(msg.Data, &du); err != nil || du.EventType != "depthUpdate" {
		return book.Diff{}, false
	}
	bids, err := parseLevels(du.Bids)
	if err != nil {
		a.log.Warn("bad depth diff", zap.Error(err))
		return book.Diff{}, false
	}
	asks, err := parseLevels(du.Asks)
	if err != nil {
		a.log.Warn("bad depth diff", zap.Error(err))
		return book.Diff{}, false
	}
	return book.Diff{
		Pair:       a.pairFor(du.Symbol),
		SequenceID: du.FinalID,
		Bids:       bids,
		Asks:       asks,
	}, true
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

// listenKeyRequest userDataStream 接口只要 API key 头，不做签名。
func (a *Adapter) listenKeyRequest(ctx context.Context, method string, params url.Values) (*transport.Response, error) {
	headers := http.Header{}
	headers.Set("X-MBX-APIKEY", a.apiKey)
	return a.rest.Execute(ctx, transport.Request{
		Method:  method,
		Path:    "/api/v3/userDataStream",
		Params:  params,
		Headers: headers,
		LimitID: LimitUserStream,
	})
}

// SubscribeUserEvents 建立私有流：申请 listenKey、连接、周期保活。
// 连接断开即关闭返回的通道，编排层负责重连（重新申请 listenKey）。
func (a *Adapter) SubscribeUserEvents(ctx context.Context) (<-chan connector.UserEvent, error) {
	resp, err := a.listenKeyRequest(ctx, http.MethodPost, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: listen key: %w", err)
	}
	var lk listenKeyResp
	if err := json.Unmarshal(resp.Body, &lk); err != nil || lk.ListenKey == "" {
		return nil, fmt.Errorf("binance: bad listen key response")
	}

	conn, err := transport.DialWS(ctx, a.wsBaseURL+"/ws/"+lk.ListenKey, a.pingTimeout)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan connector.UserEvent, 64)

	go a.keepListenKeyAlive(streamCtx, lk.ListenKey)
	go func() {
		defer close(ch)
		defer cancel()
		defer conn.Close()
		for {
			msg, err := conn.Receive(streamCtx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					a.log.Warn("user stream read failed", zap.Error(err))
				}
				return
			}
			ev, ok := a.parseUserEvent(msg)
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (a *Adapter) keepListenKeyAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			params := url.Values{}
			params.Set("listenKey", key)
			if _, err := a.listenKeyRequest(ctx, http.MethodPut, params); err != nil {
				if !errors.Is(err, context.Canceled) {
					a.log.Warn("listen key keepalive failed", zap.Error(err))
				}
			}
		}
	}
}

type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	OrigClientID    string `json:"C"` // 撤单回报里原始客户端订单号在这里
	Side            string `json:"S"`
	ExecType        string `json:"x"`
	OrderStatus     string `json:"X"`
	OrderID         int64  `json:"i"`
	LastQty         string `json:"l"`
	LastPrice       string `json:"L"`
	LastQuoteQty    string `json:"Y"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeID         int64  `json:"t"`
	TradeTime       int64  `json:"T"`
}

type accountPosition struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

func (a *Adapter) parseUserEvent(raw []byte) (connector.UserEvent, bool) {
	var probe struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return connector.UserEvent{}, false
	}
	switch probe.EventType {
	case "executionReport":
		var er executionReport
		if err := json.Unmarshal(raw, &er); err != nil {
			a.log.Warn("bad execution report", zap.Error(err))
			return connector.UserEvent{}, false
		}
		return a.userEventFromReport(er)
	case "outboundAccountPosition":
		var ap accountPosition
		if err := json.Unmarshal(raw, &ap); err != nil {
			a.log.Warn("bad account position", zap.Error(err))
			return connector.UserEvent{}, false
		}
		balances := make(map[string]connector.Balance, len(ap.Balances))
		for _, b := range ap.Balances {
			free := mustDecimal(b.Free)
			balances[b.Asset] = connector.Balance{
				Available: free,
				Total:     free.Add(mustDecimal(b.Locked)),
			}
		}
		return connector.UserEvent{Balances: balances}, true
	default:
		return connector.UserEvent{}, false
	}
}

func (a *Adapter) userEventFromReport(er executionReport) (connector.UserEvent, bool) {
	state, ok := mapOrderStatus(er.OrderStatus)
	if !ok {
		a.log.Warn("unknown order status in execution report", zap.String("status", er.OrderStatus))
		return connector.UserEvent{}, false
	}
	clientID := er.ClientOrderID
	if er.OrigClientID != "" {
		clientID = er.OrigClientID
	}
	ev := connector.UserEvent{
		Update: &order.Update{
			ClientOrderID:   clientID,
			ExchangeOrderID: strconv.FormatInt(er.OrderID, 10),
			State:           state,
			Timestamp:       time.UnixMilli(er.EventTime).UTC(),
		},
	}
	if er.ExecType == "TRADE" && er.TradeID != 0 {
		ev.Fill = &order.Fill{
			TradeID:         strconv.FormatInt(er.TradeID, 10),
			ClientOrderID:   clientID,
			ExchangeOrderID: strconv.FormatInt(er.OrderID, 10),
			Price:           mustDecimal(er.LastPrice),
			BaseAmount:      mustDecimal(er.LastQty),
			QuoteAmount:     mustDecimal(er.LastQuoteQty),
			FeeAsset:        er.CommissionAsset,
			FeeAmount:       mustDecimal(er.Commission),
			Timestamp:       time.UnixMilli(er.TradeTime).UTC(),
		}
	}
	return ev, true
}
