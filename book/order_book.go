package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceLevel 一档价位。Amount 为 0 表示删除该档。
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Snapshot 某一时刻的全量订单簿，带序列号。买档降序、卖档升序。
type Snapshot struct {
	Pair       string
	SequenceID uint64
	Bids       []PriceLevel
	Asks       []PriceLevel
}

// Diff 增量更新，引用一个序列号。
type Diff struct {
	Pair       string
	SequenceID uint64
	Bids       []PriceLevel
	Asks       []PriceLevel
}

// OrderBook 维护单个交易对的价位簿。LastSequenceID 单调不减：
// 序列号不大于当前值的增量一律丢弃；快照整体替换并设定新基线。
type OrderBook struct {
	mu     sync.RWMutex
	pair   string
	bids   map[string]PriceLevel // key 为 decimal 的规范字符串
	asks   map[string]PriceLevel
	lastID uint64
}

func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		pair: pair,
		bids: make(map[string]PriceLevel),
		asks: make(map[string]PriceLevel),
	}
}

// ApplySnapshot 用快照整体替换当前价位与序列号。
func (b *OrderBook) ApplySnapshot(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]PriceLevel, len(s.Bids))
	b.asks = make(map[string]PriceLevel, len(s.Asks))
	for _, lv := range s.Bids {
		if lv.Amount.IsPositive() {
			b.bids[lv.Price.String()] = lv
		}
	}
	for _, lv := range s.Asks {
		if lv.Amount.IsPositive() {
			b.asks[lv.Price.String()] = lv
		}
	}
	b.lastID = s.SequenceID
}

// ApplyDiff 应用一条增量；过期（SequenceID <= 当前）返回 false 且不改动任何价位。
func (b *OrderBook) ApplyDiff(d Diff) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.SequenceID <= b.lastID {
		return false
	}
	applyLevels(b.bids, d.Bids)
	applyLevels(b.asks, d.Asks)
	b.lastID = d.SequenceID
	return true
}

func applyLevels(side map[string]PriceLevel, levels []PriceLevel) {
	for _, lv := range levels {
		key := lv.Price.String()
		if lv.Amount.IsZero() || lv.Amount.IsNegative() {
			delete(side, key)
		} else {
			side[key] = lv
		}
	}
}

// LastSequenceID 当前序列号。
func (b *OrderBook) LastSequenceID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastID
}

// Snapshot 返回排序好的只读副本（买档降序、卖档升序），读不阻塞写。
func (b *OrderBook) Snapshot() Snapshot {
	b.mu.RLock()
	bids := make([]PriceLevel, 0, len(b.bids))
	for _, lv := range b.bids {
		bids = append(bids, lv)
	}
	asks := make([]PriceLevel, 0, len(b.asks))
	for _, lv := range b.asks {
		asks = append(asks, lv)
	}
	seq := b.lastID
	b.mu.RUnlock()

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	return Snapshot{Pair: b.pair, SequenceID: seq, Bids: bids, Asks: asks}
}

// BestBid 最优买档；簿空时第二个返回值为 false。
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best PriceLevel
	found := false
	for _, lv := range b.bids {
		if !found || lv.Price.GreaterThan(best.Price) {
			best = lv
			found = true
		}
	}
	return best, found
}

// BestAsk 最优卖档。
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best PriceLevel
	found := false
	for _, lv := range b.asks {
		if !found || lv.Price.LessThan(best.Price) {
			best = lv
			found = true
		}
	}
	return best, found
}

// Mid 中间价；任一侧为空返回 0。
func (b *OrderBook) Mid() decimal.Decimal {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}
