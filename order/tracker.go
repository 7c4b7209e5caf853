package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange-connector-go/metrics"
)

// ErrOrderNotFound 轮询侧的哨兵错误：venue 适配层在交易所查不到该订单时返回。
// 单次 not-found 视为传播延迟；连续达到阈值才判定订单丢失。
var ErrOrderNotFound = errors.New("order: not found on venue")

// ErrUnknownOrder 本地没有跟踪该订单。
var ErrUnknownOrder = errors.New("order: unknown order")

// PlaceResult 交易所受理下单后的回执。
type PlaceResult struct {
	ExchangeOrderID string
	Timestamp       time.Time
}

// Venue 订单侧的网络出口，由 venue 适配层实现。
type Venue interface {
	PlaceOrder(ctx context.Context, o Order) (PlaceResult, error)
	// CancelOrder 返回交易所是否在本次响应中同步确认了撤单。
	CancelOrder(ctx context.Context, o Order) (bool, error)
	// PollOrderStatus 核对单个订单的交易所侧状态。ExchangeOrderID 可能
	// 为空（恢复的订单），此时按 ClientOrderID 查询。
	PollOrderStatus(ctx context.Context, o Order) (Update, error)
}

// TrackerConfig 生命周期跟踪参数。零值字段使用默认值。
type TrackerConfig struct {
	NotFoundThreshold int           // 连续 not-found 判定失败的阈值，默认 3
	PlaceTimeout      time.Duration // 下单网络调用超时，默认 10s
	CancelTimeout     time.Duration // 撤单网络调用超时，默认 10s
	ExchangeIDWait    time.Duration // 撤单等待 exchangeOrderID 的上限，默认 10s
	TerminalRetention time.Duration // 终态订单保留时长，过后从在途集合剔除，默认 10m
	ClientIDPrefix    string        // 客户端订单号前缀
}

func (c *TrackerConfig) withDefaults() {
	if c.NotFoundThreshold <= 0 {
		c.NotFoundThreshold = 3
	}
	if c.PlaceTimeout <= 0 {
		c.PlaceTimeout = 10 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.ExchangeIDWait <= 0 {
		c.ExchangeIDWait = 10 * time.Second
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 10 * time.Minute
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "xc"
	}
}

type trackedOrder struct {
	o        Order
	fillIDs  map[string]struct{}
	notFound int
	restored bool // 跨重启恢复的订单，缺 exchangeOrderID 也参与状态轮询

	// 关闭时机：拿到 exchangeOrderID 或进入终态，两者取先。
	idKnown  chan struct{}
	idClosed bool
}

// Tracker 维护全部在途订单的权威状态。REST 轮询与用户数据流的回报
// 都经由 ApplyUpdate/ApplyFill 汇合，终态不可逆、成交按 TradeID 幂等。
type Tracker struct {
	venue Venue
	cfg   TrackerConfig
	sm    *StateMachine
	log   *zap.Logger
	sink  EventSink

	mu         sync.RWMutex
	orders     map[string]*trackedOrder
	byExchange map[string]string
	rules      map[string]TradingRule

	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewTracker(venue Venue, cfg TrackerConfig, log *zap.Logger, sink EventSink) *Tracker {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		venue:      venue,
		cfg:        cfg,
		sm:         NewStateMachine(),
		log:        log,
		sink:       sink,
		orders:     make(map[string]*trackedOrder),
		byExchange: make(map[string]string),
		rules:      make(map[string]TradingRule),
	}
}

// Start 绑定生命周期上下文：异步下单协程在该上下文内执行。
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.baseCtx = ctx
	t.mu.Unlock()
}

// Wait 等待所有在途的异步下单协程收尾。
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) lifecycleCtx() context.Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.baseCtx != nil {
		return t.baseCtx
	}
	return context.Background()
}

// SetRules 更新交易规则（精度/最小名义），由编排层周期刷新。
func (t *Tracker) SetRules(rules map[string]TradingRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = make(map[string]TradingRule, len(rules))
	for pair, r := range rules {
		t.rules[pair] = r
	}
}

// Rule 查询交易对规则。
func (t *Tracker) Rule(pair string) (TradingRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rules[pair]
	return r, ok
}

// Submit 立即返回客户端订单号，不阻塞网络。订单先以 PENDING_CREATE 入册，
// 本地量化与最小名义校验失败时直接转 FAILED，不发网络请求；
// 否则异步下单，成功转 OPEN 并登记 exchangeOrderID，失败转 FAILED。
func (t *Tracker) Submit(pair string, side Side, typ Type, price, amount decimal.Decimal) string {
	id := t.cfg.ClientIDPrefix + "-" + uuid.NewString()
	now := time.Now().UTC()
	o := Order{
		ClientOrderID: id,
		Pair:          pair,
		Side:          side,
		Type:          typ,
		Price:         price,
		Amount:        amount,
		State:         StatePendingCreate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	rule, hasRule := t.Rule(pair)
	if hasRule {
		if typ != TypeMarket {
			o.Price = rule.QuantizePrice(price)
		}
		o.Amount = rule.QuantizeAmount(amount)
	}

	to := &trackedOrder{
		o:       o,
		fillIDs: make(map[string]struct{}),
		idKnown: make(chan struct{}),
	}
	t.mu.Lock()
	t.orders[id] = to
	inFlight := t.inFlightCountLocked()
	t.mu.Unlock()
	metrics.CountOrderSubmitted(pair)
	metrics.SetInFlightOrders(inFlight)

	if hasRule {
		// 市价单无限价，名义校验不适用
		err := rule.ValidateAmount(o.Amount)
		if typ != TypeMarket {
			err = rule.Validate(o.Price, o.Amount)
		}
		if err != nil {
			t.log.Warn("order rejected locally",
				zap.String("client_order_id", id),
				zap.String("pair", pair),
				zap.Error(err))
			t.failOrder(id, err)
			return id
		}
	}

	t.wg.Add(1)
	go t.placeOrder(id)
	return id
}

func (t *Tracker) placeOrder(id string) {
	defer t.wg.Done()
	t.mu.RLock()
	to, ok := t.orders[id]
	if !ok {
		t.mu.RUnlock()
		return
	}
	o := to.o
	t.mu.RUnlock()

	ctx, cancel := context.WithTimeout(t.lifecycleCtx(), t.cfg.PlaceTimeout)
	defer cancel()
	res, err := t.venue.PlaceOrder(ctx, o)
	if err != nil {
		t.log.Warn("place order failed",
			zap.String("client_order_id", id),
			zap.String("pair", o.Pair),
			zap.Error(err))
		t.failOrder(id, err)
		return
	}
	t.ApplyUpdate(Update{
		ClientOrderID:   id,
		ExchangeOrderID: res.ExchangeOrderID,
		State:           StateOpen,
		Timestamp:       res.Timestamp,
	})
}

// failOrder 把订单转入 FAILED；已是终态则不动。
func (t *Tracker) failOrder(id string, cause error) {
	t.mu.Lock()
	to, ok := t.orders[id]
	if !ok || t.sm.IsTerminal(to.o.State) {
		t.mu.Unlock()
		return
	}
	if cause != nil {
		to.o.LastError = cause.Error()
	}
	t.mu.Unlock()
	t.ApplyUpdate(Update{ClientOrderID: id, State: StateFailed})
}

func (t *Tracker) lookupLocked(clientID, exchangeID string) *trackedOrder {
	if clientID != "" {
		if to, ok := t.orders[clientID]; ok {
			return to
		}
	}
	if exchangeID != "" {
		if cid, ok := t.byExchange[exchangeID]; ok {
			return t.orders[cid]
		}
	}
	return nil
}

func (t *Tracker) closeIDChanLocked(to *trackedOrder) {
	if !to.idClosed {
		to.idClosed = true
		close(to.idKnown)
	}
}

// ApplyUpdate 汇合 REST 轮询与流式回报的统一入口。
// 终态订单不再变化；非法转换（乱序/过期回报）被忽略；匹配不上的回报被忽略。
func (t *Tracker) ApplyUpdate(u Update) {
	t.mu.Lock()
	to := t.lookupLocked(u.ClientOrderID, u.ExchangeOrderID)
	if to == nil {
		t.mu.Unlock()
		t.log.Debug("update for untracked order ignored",
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("exchange_order_id", u.ExchangeOrderID))
		return
	}
	if u.ExchangeOrderID != "" && to.o.ExchangeOrderID == "" {
		to.o.ExchangeOrderID = u.ExchangeOrderID
		t.byExchange[u.ExchangeOrderID] = to.o.ClientOrderID
		t.closeIDChanLocked(to)
	}
	from := to.o.State
	if t.sm.IsTerminal(from) {
		t.mu.Unlock()
		return
	}
	if err := t.sm.ValidateTransition(from, u.State); err != nil {
		t.mu.Unlock()
		t.log.Debug("out-of-order update ignored",
			zap.String("client_order_id", to.o.ClientOrderID),
			zap.String("from", string(from)),
			zap.String("to", string(u.State)))
		return
	}
	to.o.State = u.State
	if !u.Timestamp.IsZero() {
		to.o.UpdatedAt = u.Timestamp
	} else {
		to.o.UpdatedAt = time.Now().UTC()
	}
	terminal := t.sm.IsTerminal(u.State)
	if terminal {
		t.closeIDChanLocked(to)
		t.scheduleEvictionLocked(to.o.ClientOrderID)
	}
	o := to.o
	inFlight := t.inFlightCountLocked()
	t.mu.Unlock()

	metrics.SetInFlightOrders(inFlight)
	if terminal {
		metrics.CountOrderTerminal(string(u.State))
	}
	if from != u.State {
		if kind := eventKindFor(u.State); kind != "" {
			t.emit(Event{Kind: kind, Order: o})
		}
	}
}

// ApplyFill 累计一次成交。同一 TradeID 重复投递不改变任何数值。
func (t *Tracker) ApplyFill(f Fill) {
	t.mu.Lock()
	to := t.lookupLocked(f.ClientOrderID, f.ExchangeOrderID)
	if to == nil {
		t.mu.Unlock()
		t.log.Debug("fill for untracked order ignored", zap.String("trade_id", f.TradeID))
		return
	}
	if _, dup := to.fillIDs[f.TradeID]; dup {
		t.mu.Unlock()
		return
	}
	to.fillIDs[f.TradeID] = struct{}{}
	to.o.ExecutedBase = to.o.ExecutedBase.Add(f.BaseAmount)
	to.o.ExecutedQuote = to.o.ExecutedQuote.Add(f.QuoteAmount)
	to.o.FeePaid = to.o.FeePaid.Add(f.FeeAmount)
	if f.FeeAsset != "" {
		to.o.FeeAsset = f.FeeAsset
	}
	to.o.UpdatedAt = time.Now().UTC()

	from := to.o.State
	target := StatePartiallyFilled
	if to.o.ExecutedBase.GreaterThanOrEqual(to.o.Amount) {
		target = StateFilled
	}
	transitioned := false
	if !t.sm.IsTerminal(from) && t.sm.ValidateTransition(from, target) == nil {
		to.o.State = target
		transitioned = from != target
		if t.sm.IsTerminal(target) {
			t.closeIDChanLocked(to)
			t.scheduleEvictionLocked(to.o.ClientOrderID)
		}
	}
	o := to.o
	inFlight := t.inFlightCountLocked()
	t.mu.Unlock()

	metrics.SetInFlightOrders(inFlight)
	t.emit(Event{Kind: EventFill, Order: o, Fill: &f})
	if transitioned {
		if t.sm.IsTerminal(o.State) {
			metrics.CountOrderTerminal(string(o.State))
		}
		if kind := eventKindFor(o.State); kind != "" {
			t.emit(Event{Kind: kind, Order: o})
		}
	}
}

func eventKindFor(s State) string {
	switch s {
	case StateOpen:
		return EventOrderOpened
	case StatePartiallyFilled:
		return EventOrderPartial
	case StateFilled:
		return EventOrderFilled
	case StateCancelled:
		return EventOrderCancelled
	case StateFailed:
		return EventOrderFailed
	case StateApproved:
		return EventOrderApproved
	default:
		return ""
	}
}

func (t *Tracker) emit(e Event) {
	if t.sink != nil {
		t.sink(e)
	}
}

// Cancel 撤单。创建尚未回执时有界等待 exchangeOrderID（多数交易所不能
// 仅凭客户端订单号撤单）；交易所同步确认则直接 CANCELLED，否则进入
// PENDING_CANCEL 等后续回报。
func (t *Tracker) Cancel(ctx context.Context, clientOrderID string) error {
	t.mu.RLock()
	to, ok := t.orders[clientOrderID]
	var (
		state   State
		idKnown chan struct{}
		hasID   bool
	)
	if ok {
		state = to.o.State
		idKnown = to.idKnown
		hasID = to.o.ExchangeOrderID != ""
	}
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if t.sm.IsTerminal(state) {
		if state == StateCancelled {
			return nil
		}
		return fmt.Errorf("order %s already terminal (%s)", clientOrderID, state)
	}

	if !hasID {
		timer := time.NewTimer(t.cfg.ExchangeIDWait)
		defer timer.Stop()
		select {
		case <-idKnown:
		case <-timer.C:
			return fmt.Errorf("order %s: exchange order id not assigned within %v", clientOrderID, t.cfg.ExchangeIDWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.RLock()
	o := to.o
	t.mu.RUnlock()
	if t.sm.IsTerminal(o.State) {
		if o.State == StateCancelled {
			return nil
		}
		return fmt.Errorf("order %s already terminal (%s)", clientOrderID, o.State)
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.CancelTimeout)
	defer cancel()
	confirmed, err := t.venue.CancelOrder(cctx, o)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}
	if confirmed {
		t.ApplyUpdate(Update{ClientOrderID: clientOrderID, State: StateCancelled})
	} else {
		t.ApplyUpdate(Update{ClientOrderID: clientOrderID, State: StatePendingCancel})
	}
	return nil
}

// CancelOutcome CancelAll 中单个订单的结果。
type CancelOutcome struct {
	ClientOrderID string
	Cancelled     bool
	Err           error
}

// CancelAll 并发撤掉所有非终态订单，墙钟时间由 timeout 限定；
// 超时返回已完成的部分结果，不无限阻塞。
func (t *Tracker) CancelAll(ctx context.Context, timeout time.Duration) []CancelOutcome {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ids := make([]string, 0)
	t.mu.RLock()
	for id, to := range t.orders {
		if !t.sm.IsTerminal(to.o.State) {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	results := make(chan CancelOutcome, len(ids))
	for _, id := range ids {
		go func(id string) {
			err := t.Cancel(cctx, id)
			results <- CancelOutcome{ClientOrderID: id, Cancelled: err == nil, Err: err}
		}(id)
	}

	out := make([]CancelOutcome, 0, len(ids))
	for range ids {
		select {
		case r := <-results:
			out = append(out, r)
		case <-cctx.Done():
			return out
		}
	}
	return out
}

// PollOpenOrders 对每个在交易所侧活跃的订单做一次 REST 状态核对。
// 连续 NotFoundThreshold 次 not-found 判定订单丢失并转 FAILED；
// 单次 not-found 只计数（传播延迟不作数）。
func (t *Tracker) PollOpenOrders(ctx context.Context) {
	for _, o := range t.pollableOrders() {
		if ctx.Err() != nil {
			return
		}
		u, err := t.venue.PollOrderStatus(ctx, o)
		switch {
		case errors.Is(err, ErrOrderNotFound):
			t.recordNotFound(o.ClientOrderID)
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			t.log.Warn("order status poll failed",
				zap.String("client_order_id", o.ClientOrderID),
				zap.Error(err))
		default:
			t.resetNotFound(o.ClientOrderID)
			if u.ClientOrderID == "" && u.ExchangeOrderID == "" {
				u.ClientOrderID = o.ClientOrderID
			}
			t.ApplyUpdate(u)
		}
	}
}

// pollableOrders 交易所侧活跃且有 exchangeOrderID 的订单，外加恢复的
// 非终态订单：进程死于下单途中的订单只有客户端订单号，靠轮询收敛——
// 交易所认识它就拿到真实状态，不认识则走 not-found 计数转 FAILED。
func (t *Tracker) pollableOrders() []Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Order, 0)
	for _, to := range t.orders {
		if t.sm.IsTerminal(to.o.State) {
			continue
		}
		if (t.sm.IsLive(to.o.State) && to.o.ExchangeOrderID != "") || to.restored {
			out = append(out, to.o)
		}
	}
	return out
}

func (t *Tracker) recordNotFound(id string) {
	t.mu.Lock()
	to, ok := t.orders[id]
	if !ok || t.sm.IsTerminal(to.o.State) {
		t.mu.Unlock()
		return
	}
	to.notFound++
	n := to.notFound
	threshold := t.cfg.NotFoundThreshold
	t.mu.Unlock()

	if n >= threshold {
		t.log.Warn("order lost on venue",
			zap.String("client_order_id", id),
			zap.Int("consecutive_not_found", n))
		t.failOrder(id, fmt.Errorf("not found on venue after %d consecutive polls", n))
	}
}

func (t *Tracker) resetNotFound(id string) {
	t.mu.Lock()
	if to, ok := t.orders[id]; ok {
		to.notFound = 0
	}
	t.mu.Unlock()
}

// scheduleEvictionLocked 终态订单保留一段时间后从跟踪集合剔除。
func (t *Tracker) scheduleEvictionLocked(id string) {
	time.AfterFunc(t.cfg.TerminalRetention, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		to, ok := t.orders[id]
		if !ok || !t.sm.IsTerminal(to.o.State) {
			return
		}
		if to.o.ExchangeOrderID != "" {
			delete(t.byExchange, to.o.ExchangeOrderID)
		}
		delete(t.orders, id)
	})
}

func (t *Tracker) inFlightCountLocked() int {
	n := 0
	for _, to := range t.orders {
		if !t.sm.IsTerminal(to.o.State) {
			n++
		}
	}
	return n
}

// Get 返回订单拷贝。
func (t *Tracker) Get(clientOrderID string) (Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	to, ok := t.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return to.o, true
}

// InFlight 当前全部非终态订单的拷贝。
func (t *Tracker) InFlight() []Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Order, 0, len(t.orders))
	for _, to := range t.orders {
		if !t.sm.IsTerminal(to.o.State) {
			out = append(out, to.o)
		}
	}
	return out
}

// TrackedState 可序列化的跟踪状态，用于跨重启恢复在途订单。
type TrackedState struct {
	Order   Order    `json:"order"`
	FillIDs []string `json:"fillIds,omitempty"`
}

// TrackingStates 导出全部非终态订单的可序列化快照。
func (t *Tracker) TrackingStates() []TrackedState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrackedState, 0, len(t.orders))
	for _, to := range t.orders {
		if t.sm.IsTerminal(to.o.State) {
			continue
		}
		ids := make([]string, 0, len(to.fillIDs))
		for fid := range to.fillIDs {
			ids = append(ids, fid)
		}
		out = append(out, TrackedState{Order: to.o, FillIDs: ids})
	}
	return out
}

// Restore 启动时恢复上次进程导出的在途订单。已存在的订单号不覆盖。
// 恢复的订单全部进入状态轮询：缺 exchangeOrderID 的（进程死于下单途中）
// 按客户端订单号核对，有限次 not-found 后收敛到 FAILED，不会永久滞留。
func (t *Tracker) Restore(states []TrackedState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range states {
		if st.Order.ClientOrderID == "" {
			continue
		}
		if _, exists := t.orders[st.Order.ClientOrderID]; exists {
			continue
		}
		to := &trackedOrder{
			o:        st.Order,
			fillIDs:  make(map[string]struct{}, len(st.FillIDs)),
			restored: true,
			idKnown:  make(chan struct{}),
		}
		for _, fid := range st.FillIDs {
			to.fillIDs[fid] = struct{}{}
		}
		if st.Order.ExchangeOrderID != "" {
			t.byExchange[st.Order.ExchangeOrderID] = st.Order.ClientOrderID
			t.closeIDChanLocked(to)
		}
		t.orders[st.Order.ClientOrderID] = to
	}
	metrics.SetInFlightOrders(t.inFlightCountLocked())
}
