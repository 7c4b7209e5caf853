package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side BUY/SELL。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type 订单类型。
type Type string

const (
	TypeLimit      Type = "LIMIT"
	TypeMarket     Type = "MARKET"
	TypeLimitMaker Type = "LIMIT_MAKER"
)

// Order 一笔客户端订单。由 Tracker 独占持有并更新，
// 策略侧拿到的永远是值拷贝。
type Order struct {
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Pair            string          `json:"pair"`
	Side            Side            `json:"side"`
	Type            Type            `json:"type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	ExecutedBase    decimal.Decimal `json:"executedBase"`
	ExecutedQuote   decimal.Decimal `json:"executedQuote"`
	FeeAsset        string          `json:"feeAsset,omitempty"`
	FeePaid         decimal.Decimal `json:"feePaid"`
	State           State           `json:"state"`
	LastError       string          `json:"lastError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Update 来自 REST 轮询或用户数据流的订单状态回报。
// (ClientOrderID, ExchangeOrderID) 至少有一个非空，两者都匹配不上的回报被忽略。
type Update struct {
	ClientOrderID   string
	ExchangeOrderID string
	State           State
	Timestamp       time.Time
}

// Fill 一次成交。按 TradeID 幂等：同一成交重复投递不会重复累计。
type Fill struct {
	TradeID         string          `json:"tradeId"`
	ClientOrderID   string          `json:"clientOrderId,omitempty"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Price           decimal.Decimal `json:"price"`
	BaseAmount      decimal.Decimal `json:"baseAmount"`
	QuoteAmount     decimal.Decimal `json:"quoteAmount"`
	FeeAsset        string          `json:"feeAsset,omitempty"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Event 订单生命周期事件，推送给编排层/策略侧。
type Event struct {
	Kind  string
	Order Order
	Fill  *Fill
}

// 事件种类
const (
	EventOrderOpened    = "order_opened"
	EventOrderFilled    = "order_filled"
	EventOrderPartial   = "order_partially_filled"
	EventOrderCancelled = "order_cancelled"
	EventOrderFailed    = "order_failed"
	EventOrderApproved  = "order_approved"
	EventFill           = "fill"
)

// EventSink 事件回调。nil 时事件被丢弃。
type EventSink func(Event)
