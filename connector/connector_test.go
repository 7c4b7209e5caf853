package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"exchange-connector-go/book"
	"exchange-connector-go/order"
)

// mockAdapter 内存交易所：可控的行情/订单/私有流行为。
type mockAdapter struct {
	mu sync.Mutex

	rules    map[string]order.TradingRule
	rulesErr error
	ruleGets int

	balances    map[string]Balance
	balanceGets int

	diffCh chan book.Diff
	seq    uint64

	userCh        chan UserEvent
	userSubs      int
	placed        int
	cancelConfirm bool
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		rules: map[string]order.TradingRule{
			"BTC-USDT": {
				Pair:     "BTC-USDT",
				TickSize: decimal.RequireFromString("0.01"),
				StepSize: decimal.RequireFromString("0.001"),
			},
		},
		balances: map[string]Balance{
			"USDT": {Total: decimal.NewFromInt(1000), Available: decimal.NewFromInt(900)},
		},
		cancelConfirm: true,
	}
}

func (m *mockAdapter) Name() string { return "mockex" }

func (m *mockAdapter) FetchSnapshot(ctx context.Context, pair string) (book.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return book.Snapshot{
		Pair:       pair,
		SequenceID: m.seq,
		Bids:       []book.PriceLevel{{Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1)}},
		Asks:       []book.PriceLevel{{Price: decimal.NewFromInt(101), Amount: decimal.NewFromInt(1)}},
	}, nil
}

func (m *mockAdapter) SubscribeDiffs(ctx context.Context, pairs []string) (<-chan book.Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diffCh = make(chan book.Diff, 16)
	return m.diffCh, nil
}

func (m *mockAdapter) PlaceOrder(ctx context.Context, o order.Order) (order.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed++
	return order.PlaceResult{
		ExchangeOrderID: fmt.Sprintf("EX-%d", m.placed),
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (m *mockAdapter) CancelOrder(ctx context.Context, o order.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelConfirm, nil
}

func (m *mockAdapter) PollOrderStatus(ctx context.Context, o order.Order) (order.Update, error) {
	return order.Update{ClientOrderID: o.ClientOrderID, State: o.State}, nil
}

func (m *mockAdapter) SubscribeUserEvents(ctx context.Context) (<-chan UserEvent, error) {
	m.mu.Lock()
	m.userSubs++
	ch := make(chan UserEvent, 16)
	m.userCh = ch
	m.mu.Unlock()
	// 按适配层约定：ctx 取消时关闭通道
	go func() {
		<-ctx.Done()
		if m.claimUserCh(ch) {
			close(ch)
		}
	}()
	return ch, nil
}

// claimUserCh 抢占通道所有权，保证 ctx 取消与 closeUserStream 不会重复 close。
func (m *mockAdapter) claimUserCh(ch chan UserEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userCh == ch {
		m.userCh = nil
		return true
	}
	return false
}

func (m *mockAdapter) TradingRules(ctx context.Context) (map[string]order.TradingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleGets++
	if m.rulesErr != nil {
		return nil, m.rulesErr
	}
	return m.rules, nil
}

func (m *mockAdapter) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceGets++
	out := make(map[string]Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *mockAdapter) pushUserEvent(ev UserEvent) {
	m.mu.Lock()
	ch := m.userCh
	m.mu.Unlock()
	ch <- ev
}

func (m *mockAdapter) closeUserStream() {
	m.mu.Lock()
	ch := m.userCh
	m.userCh = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (m *mockAdapter) stats() (userSubs, placed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userSubs, m.placed
}

func testConfig() Config {
	return Config{
		Pairs:                    []string{"BTC-USDT"},
		StatusPollInterval:       50 * time.Millisecond,
		UserStreamReconnectDelay: 20 * time.Millisecond,
		CancelAllTimeout:         time.Second,
		Book: book.TrackerConfig{
			SnapshotInterval:     time.Hour,
			StreamReconnectDelay: 20 * time.Millisecond,
		},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectorStartBecomesReady(t *testing.T) {
	adapter := newMockAdapter()
	c := New(adapter, testConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	waitFor(t, c.Ready, "connector never became ready")

	snap, ok := c.OrderBook("BTC-USDT")
	require.True(t, ok)
	require.NotEmpty(t, snap.Bids)

	bal := c.Balances()
	require.Equal(t, "1000", bal["USDT"].Total.String())

	r, ok := c.TradingRule("BTC-USDT")
	require.True(t, ok)
	require.Equal(t, "0.01", r.TickSize.String())
}

func TestSubmitRejectedBeforeReady(t *testing.T) {
	adapter := newMockAdapter()
	adapter.rulesErr = errors.New("venue unavailable")
	c := New(adapter, testConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.False(t, c.Ready())
	_, err := c.Submit("BTC-USDT", order.SideBuy, order.TypeLimit,
		decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.Error(t, err)
}

func TestSubmitPlacesAndTracksOrder(t *testing.T) {
	adapter := newMockAdapter()
	c := New(adapter, testConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()
	waitFor(t, c.Ready, "connector never became ready")

	id, err := c.Submit("BTC-USDT", order.SideBuy, order.TypeLimit,
		decimal.RequireFromString("99.999"), decimal.RequireFromString("1.0005"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		o, ok := c.Order(id)
		return ok && o.State == order.StateOpen
	}, "order never opened")

	o, _ := c.Order(id)
	require.Equal(t, "99.99", o.Price.String(), "price quantized to tick")
	require.Equal(t, "1", o.Amount.String(), "amount quantized to step")
	require.Len(t, c.InFlightOrders(), 1)
}

func TestUserEventsRoutedToOrderTracker(t *testing.T) {
	adapter := newMockAdapter()
	var events []order.Event
	var evMu sync.Mutex
	sink := func(e order.Event) {
		evMu.Lock()
		events = append(events, e)
		evMu.Unlock()
	}
	c := New(adapter, testConfig(), nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()
	waitFor(t, c.Ready, "connector never became ready")

	id, err := c.Submit("BTC-USDT", order.SideBuy, order.TypeLimit,
		decimal.NewFromInt(100), decimal.NewFromInt(2))
	require.NoError(t, err)
	waitFor(t, func() bool {
		o, ok := c.Order(id)
		return ok && o.State == order.StateOpen
	}, "order never opened")

	adapter.pushUserEvent(UserEvent{
		Fill: &order.Fill{
			TradeID:       "T1",
			ClientOrderID: id,
			Price:         decimal.NewFromInt(100),
			BaseAmount:    decimal.NewFromInt(1),
			QuoteAmount:   decimal.NewFromInt(100),
		},
		Balances: map[string]Balance{
			"BTC": {Total: decimal.NewFromInt(1), Available: decimal.NewFromInt(1)},
		},
	})

	waitFor(t, func() bool {
		o, _ := c.Order(id)
		return o.State == order.StatePartiallyFilled
	}, "fill never applied")
	waitFor(t, func() bool {
		return c.Balances()["BTC"].Total.Equal(decimal.NewFromInt(1))
	}, "balance delta never merged")

	evMu.Lock()
	defer evMu.Unlock()
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	require.Contains(t, kinds, order.EventFill)
	require.Contains(t, kinds, order.EventOrderPartial)
}

func TestUserStreamReconnects(t *testing.T) {
	adapter := newMockAdapter()
	c := New(adapter, testConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	waitFor(t, func() bool {
		subs, _ := adapter.stats()
		return subs >= 1
	}, "user stream never subscribed")

	adapter.closeUserStream()
	waitFor(t, func() bool {
		subs, _ := adapter.stats()
		return subs >= 2
	}, "user stream never resubscribed")
}

func TestShutdownCancelsOpenOrders(t *testing.T) {
	adapter := newMockAdapter()
	c := New(adapter, testConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	waitFor(t, c.Ready, "connector never became ready")

	id, err := c.Submit("BTC-USDT", order.SideBuy, order.TypeLimit,
		decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)
	waitFor(t, func() bool {
		o, ok := c.Order(id)
		return ok && o.State == order.StateOpen
	}, "order never opened")

	failed := c.Shutdown(context.Background())
	require.Zero(t, failed)
	o, _ := c.Order(id)
	require.Equal(t, order.StateCancelled, o.State)
}

func TestTrackUntrackPairAtRuntime(t *testing.T) {
	adapter := newMockAdapter()
	c := New(adapter, testConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()
	waitFor(t, c.Ready, "connector never became ready")

	c.TrackPair("ETH-USDT")
	waitFor(t, func() bool {
		_, ok := c.OrderBook("ETH-USDT")
		return ok
	}, "new pair never got a book")

	c.UntrackPair("ETH-USDT")
	_, ok := c.OrderBook("ETH-USDT")
	require.False(t, ok)

	restoredStates := c.TrackingStates()
	require.Empty(t, restoredStates)
}

func TestRestoreOrdersAcrossRestart(t *testing.T) {
	adapter := newMockAdapter()
	c := New(adapter, testConfig(), nil, nil)
	c.RestoreOrders([]order.TrackedState{{Order: order.Order{
		ClientOrderID:   "C-restored",
		ExchangeOrderID: "EX-9",
		Pair:            "BTC-USDT",
		Side:            order.SideBuy,
		Type:            order.TypeLimit,
		Price:           decimal.NewFromInt(100),
		Amount:          decimal.NewFromInt(1),
		State:           order.StateOpen,
	}}})

	require.Len(t, c.InFlightOrders(), 1)
	o, ok := c.Order("C-restored")
	require.True(t, ok)
	require.Equal(t, order.StateOpen, o.State)
}
