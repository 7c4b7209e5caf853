package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange-connector-go/book"
	"exchange-connector-go/metrics"
	"exchange-connector-go/order"
)

// Config 编排层参数。零值字段使用默认值。
type Config struct {
	Pairs []string

	StatusPollInterval       time.Duration // 订单状态 REST 核对周期，默认 10s
	RuleRefreshInterval      time.Duration // 交易规则刷新周期，默认 60m
	BalanceRefreshInterval   time.Duration // 余额全量兜底同步周期，默认 5m
	UserStreamReconnectDelay time.Duration // 私有流断开后的重连间隔，默认 30s
	CancelAllTimeout         time.Duration // 停机撤单的总时限，默认 10s

	Book   book.TrackerConfig
	Orders order.TrackerConfig
}

func (c *Config) withDefaults() {
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = 10 * time.Second
	}
	if c.RuleRefreshInterval <= 0 {
		c.RuleRefreshInterval = time.Hour
	}
	if c.BalanceRefreshInterval <= 0 {
		c.BalanceRefreshInterval = 5 * time.Minute
	}
	if c.UserStreamReconnectDelay <= 0 {
		c.UserStreamReconnectDelay = 30 * time.Second
	}
	if c.CancelAllTimeout <= 0 {
		c.CancelAllTimeout = 10 * time.Second
	}
}

// Connector 把单交易所的行情同步、订单生命周期与账户状态编排成一个整体。
// 策略侧只和它交互：下单撤单、读簿、读余额、收事件。
type Connector struct {
	adapter VenueAdapter
	cfg     Config
	log     *zap.Logger

	books  *book.Tracker
	orders *order.Tracker

	mu             sync.RWMutex
	balances       map[string]Balance
	rulesLoaded    bool
	balancesLoaded bool
	userStreamUp   bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(adapter VenueAdapter, cfg Config, log *zap.Logger, sink order.EventSink) *Connector {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("venue", adapter.Name()))
	return &Connector{
		adapter:  adapter,
		cfg:      cfg,
		log:      log,
		books:    book.NewTracker(adapter, cfg.Book, log),
		orders:   order.NewTracker(adapter, cfg.Orders, log, sink),
		balances: make(map[string]Balance),
	}
}

// Start 启动全部后台循环。规则与余额的首次拉取失败不阻止启动，
// 由刷新循环继续重试；在规则就位前 Ready 保持 false。
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("connector already started")
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.orders.Start(runCtx)

	if err := c.refreshRules(runCtx); err != nil {
		c.log.Warn("initial trading rule fetch failed", zap.Error(err))
	}
	if err := c.refreshBalances(runCtx); err != nil {
		c.log.Warn("initial balance fetch failed", zap.Error(err))
	}

	for _, pair := range c.cfg.Pairs {
		c.books.Track(pair)
	}
	c.books.Start(runCtx)

	c.wg.Add(3)
	go c.userEventLoop(runCtx)
	go c.statusPollLoop(runCtx)
	go c.refreshLoop(runCtx)

	c.log.Info("connector started", zap.Strings("pairs", c.cfg.Pairs))
	return nil
}

// Stop 停止全部循环并等待收尾。不撤单；要撤单停机用 Shutdown。
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.books.Wait()
	c.orders.Wait()
	c.log.Info("connector stopped")
}

// Shutdown 先在时限内撤掉所有在途订单，再停机。返回未能撤掉的订单数。
func (c *Connector) Shutdown(ctx context.Context) int {
	outcomes := c.orders.CancelAll(ctx, c.cfg.CancelAllTimeout)
	failed := 0
	for _, r := range outcomes {
		if !r.Cancelled {
			failed++
			c.log.Warn("order not cancelled at shutdown",
				zap.String("client_order_id", r.ClientOrderID),
				zap.Error(r.Err))
		}
	}
	remaining := len(c.orders.InFlight())
	c.Stop()
	if remaining > 0 {
		c.log.Warn("shutting down with orders still in flight", zap.Int("count", remaining))
	}
	return failed
}

// Ready 行情簿全部就绪、交易规则与余额已加载、私有流完成过首次连接。
func (c *Connector) Ready() bool {
	c.mu.RLock()
	ok := c.rulesLoaded && c.balancesLoaded && c.userStreamUp
	c.mu.RUnlock()
	return ok && c.books.AllReady()
}

// Submit 提交订单，立即返回客户端订单号。
func (c *Connector) Submit(pair string, side order.Side, typ order.Type, price, amount decimal.Decimal) (string, error) {
	if !c.Ready() {
		return "", fmt.Errorf("connector not ready")
	}
	return c.orders.Submit(pair, side, typ, price, amount), nil
}

// Cancel 撤单。
func (c *Connector) Cancel(ctx context.Context, clientOrderID string) error {
	return c.orders.Cancel(ctx, clientOrderID)
}

// CancelAll 撤掉全部在途订单，返回逐单结果。
func (c *Connector) CancelAll(ctx context.Context) []order.CancelOutcome {
	return c.orders.CancelAll(ctx, c.cfg.CancelAllTimeout)
}

// OrderBook 某交易对订单簿的只读副本。
func (c *Connector) OrderBook(pair string) (book.Snapshot, bool) {
	return c.books.BookSnapshot(pair)
}

// InFlightOrders 当前全部非终态订单。
func (c *Connector) InFlightOrders() []order.Order {
	return c.orders.InFlight()
}

// Order 按客户端订单号查询。
func (c *Connector) Order(clientOrderID string) (order.Order, bool) {
	return c.orders.Get(clientOrderID)
}

// Balances 账户余额快照。
func (c *Connector) Balances() map[string]Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Balance, len(c.balances))
	for asset, b := range c.balances {
		out[asset] = b
	}
	return out
}

// TrackPair 运行期新增行情跟踪。
func (c *Connector) TrackPair(pair string) {
	c.books.Track(pair)
}

// UntrackPair 运行期移除行情跟踪。在途订单不受影响。
func (c *Connector) UntrackPair(pair string) {
	c.books.Untrack(pair)
}

// TrackingStates 导出在途订单状态，用于进程重启恢复。
func (c *Connector) TrackingStates() []order.TrackedState {
	return c.orders.TrackingStates()
}

// RestoreOrders 启动前恢复上次进程的在途订单。
func (c *Connector) RestoreOrders(states []order.TrackedState) {
	c.orders.Restore(states)
}

// TradingRule 查询交易对规则。
func (c *Connector) TradingRule(pair string) (order.TradingRule, bool) {
	return c.orders.Rule(pair)
}

func (c *Connector) refreshRules(ctx context.Context) error {
	rules, err := c.adapter.TradingRules(ctx)
	if err != nil {
		return err
	}
	c.orders.SetRules(rules)
	c.mu.Lock()
	c.rulesLoaded = true
	c.mu.Unlock()
	c.log.Info("trading rules refreshed", zap.Int("pairs", len(rules)))
	return nil
}

func (c *Connector) refreshBalances(ctx context.Context) error {
	balances, err := c.adapter.FetchBalances(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.balances = balances
	c.balancesLoaded = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) applyBalanceDeltas(deltas map[string]Balance) {
	c.mu.Lock()
	for asset, b := range deltas {
		c.balances[asset] = b
	}
	c.mu.Unlock()
}

// userEventLoop 维护私有流：订单回报与成交汇入订单跟踪器，余额增量就地合并。
// 流断开按固定间隔重连，重连后做一次余额全量同步补掉断流窗口。
func (c *Connector) userEventLoop(ctx context.Context) {
	defer c.wg.Done()
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		ch, err := c.adapter.SubscribeUserEvents(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.Warn("user stream subscribe failed, retrying",
				zap.Error(err),
				zap.Duration("delay", c.cfg.UserStreamReconnectDelay))
			metrics.CountWSReconnect("user")
			if !sleepCtx(ctx, c.cfg.UserStreamReconnectDelay) {
				return
			}
			continue
		}
		if !first {
			if err := c.refreshBalances(ctx); err != nil {
				c.log.Warn("balance resync after reconnect failed", zap.Error(err))
			}
		}
		first = false
		c.mu.Lock()
		c.userStreamUp = true
		c.mu.Unlock()

		for ev := range ch {
			if ev.Update != nil {
				c.orders.ApplyUpdate(*ev.Update)
			}
			if ev.Fill != nil {
				c.orders.ApplyFill(*ev.Fill)
			}
			if len(ev.Balances) > 0 {
				c.applyBalanceDeltas(ev.Balances)
			}
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("user stream closed, reconnecting",
			zap.Duration("delay", c.cfg.UserStreamReconnectDelay))
		metrics.CountWSReconnect("user")
		if !sleepCtx(ctx, c.cfg.UserStreamReconnectDelay) {
			return
		}
	}
}

// statusPollLoop 周期性做 REST 状态核对，兜底私有流丢消息的情况。
func (c *Connector) statusPollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.orders.PollOpenOrders(ctx)
		}
	}
}

// refreshLoop 周期刷新交易规则与余额。规则尚未加载成功时用短间隔重试。
func (c *Connector) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	const retryDelay = 5 * time.Second
	ruleTicker := time.NewTicker(c.cfg.RuleRefreshInterval)
	defer ruleTicker.Stop()
	balTicker := time.NewTicker(c.cfg.BalanceRefreshInterval)
	defer balTicker.Stop()
	retry := time.NewTimer(retryDelay)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
			c.mu.RLock()
			loaded := c.rulesLoaded
			c.mu.RUnlock()
			if loaded {
				continue
			}
			if err := c.refreshRules(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				c.log.Warn("trading rule refresh failed", zap.Error(err))
				retry.Reset(retryDelay)
			}
		case <-ruleTicker.C:
			if err := c.refreshRules(ctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.log.Warn("trading rule refresh failed", zap.Error(err))
				}
			}
		case <-balTicker.C:
			if err := c.refreshBalances(ctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.log.Warn("balance refresh failed", zap.Error(err))
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
