package connector

import (
	"context"

	"github.com/shopspring/decimal"

	"exchange-connector-go/book"
	"exchange-connector-go/order"
)

// Balance 单一资产的余额。
type Balance struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// UserEvent 用户数据流推送的一条消息。三个字段互斥出现也可同时出现，
// 非 nil/非空的部分各自生效。
type UserEvent struct {
	Update   *order.Update
	Fill     *order.Fill
	Balances map[string]Balance
}

// VenueAdapter 单个交易所的全部接入点。实现方负责协议细节
// （REST 路径、签名参数、消息解析），编排循环只面向该接口。
type VenueAdapter interface {
	// Name 交易所标识，用于日志与指标。
	Name() string

	// 行情侧
	book.DataSource

	// 订单侧
	order.Venue

	// SubscribeUserEvents 订阅私有流（订单回报/成交/余额）。
	// 流断开时通道关闭，由编排循环负责重连。
	SubscribeUserEvents(ctx context.Context) (<-chan UserEvent, error)

	// TradingRules 拉取全部交易对的精度与最小名义规则。
	TradingRules(ctx context.Context) (map[string]order.TradingRule, error)

	// FetchBalances 全量拉取账户余额。
	FetchBalances(ctx context.Context) (map[string]Balance, error)
}
