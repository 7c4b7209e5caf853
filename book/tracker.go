package book

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"exchange-connector-go/metrics"
)

// DataSource 行情数据来源，由 venue 适配层实现。
// SubscribeDiffs 返回的通道关闭即视为流断开，Tracker 负责按固定间隔重连。
type DataSource interface {
	FetchSnapshot(ctx context.Context, pair string) (Snapshot, error)
	SubscribeDiffs(ctx context.Context, pairs []string) (<-chan Diff, error)
}

// TrackerConfig 同步引擎参数。零值字段使用默认值。
type TrackerConfig struct {
	DiffBufferSize       int           // 每个交易对在快照到达前最多缓存的增量条数，默认 1000
	SnapshotInterval     time.Duration // 快照轮询周期，默认 1h
	SnapshotRetryDelay   time.Duration // 快照拉取失败后的重试间隔，默认 5s
	StreamReconnectDelay time.Duration // 增量流断开后的重连间隔，默认 30s
}

func (c *TrackerConfig) withDefaults() {
	if c.DiffBufferSize <= 0 {
		c.DiffBufferSize = 1000
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Hour
	}
	if c.SnapshotRetryDelay <= 0 {
		c.SnapshotRetryDelay = 5 * time.Second
	}
	if c.StreamReconnectDelay <= 0 {
		c.StreamReconnectDelay = 30 * time.Second
	}
}

type pairState struct {
	book     *OrderBook
	buffered []Diff
	ready    bool
	tracked  bool               // 仅 Track 显式登记；杂散增量建出的隐式状态不算跟踪
	cancel   context.CancelFunc // 快照轮询协程
}

// Tracker 每交易对维护一份权威订单簿：快照 + 增量流在这里汇合。
// 快照到达前的增量进入有界缓冲；快照落盘后按序列号重放缓冲，之后增量实时应用。
// 只有 Tracker 写订单簿，策略侧通过 Snapshot 拿只读副本。
type Tracker struct {
	source DataSource
	cfg    TrackerConfig
	log    *zap.Logger

	mu     sync.Mutex
	pairs  map[string]*pairState
	resub  chan struct{}
	runCtx context.Context
	wg     sync.WaitGroup
}

func NewTracker(source DataSource, cfg TrackerConfig, log *zap.Logger) *Tracker {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		source: source,
		cfg:    cfg,
		log:    log,
		pairs:  make(map[string]*pairState),
		resub:  make(chan struct{}, 1),
	}
}

// Track 开始跟踪一个交易对。已在 Start 之后调用时，立即启动其快照轮询并重建订阅。
func (t *Tracker) Track(pair string) {
	t.mu.Lock()
	st, exists := t.pairs[pair]
	if !exists {
		st = &pairState{book: NewOrderBook(pair)}
		t.pairs[pair] = st
	}
	st.tracked = true
	running := t.runCtx != nil && st.cancel == nil
	if running {
		ctx, cancel := context.WithCancel(t.runCtx)
		st.cancel = cancel
		t.wg.Add(1)
		go t.snapshotLoop(ctx, pair)
	}
	t.mu.Unlock()
	if running {
		t.signalResub()
	}
}

// Untrack 停止跟踪并丢弃该交易对的簿。
func (t *Tracker) Untrack(pair string) {
	t.mu.Lock()
	st, ok := t.pairs[pair]
	wasTracked := ok && st.tracked
	if ok {
		if st.cancel != nil {
			st.cancel()
		}
		delete(t.pairs, pair)
	}
	t.mu.Unlock()
	if wasTracked {
		t.signalResub()
	}
}

// Tracked 当前跟踪的交易对列表（排序稳定，便于订阅与测试）。
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pairs))
	for p, st := range t.pairs {
		if st.tracked {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Ready 该交易对是否已完成首次快照同步。
func (t *Tracker) Ready(pair string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.pairs[pair]
	return ok && st.ready
}

// AllReady 所有被跟踪交易对均就绪。没有任何交易对时视为未就绪。
// 隐式状态（杂散增量建出的缓冲）不参与判定。
func (t *Tracker) AllReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked := 0
	for _, st := range t.pairs {
		if !st.tracked {
			continue
		}
		tracked++
		if !st.ready {
			return false
		}
	}
	return tracked > 0
}

// BookSnapshot 某交易对订单簿的只读副本。
func (t *Tracker) BookSnapshot(pair string) (Snapshot, bool) {
	t.mu.Lock()
	st, ok := t.pairs[pair]
	t.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return st.book.Snapshot(), true
}

// HandleDiff 处理一条增量。尚未就绪（含快照仍在途的新交易对）时入缓冲，
// 缓冲满则丢最旧；就绪后由序列号门控直接应用。
// 应用在锁内完成，与 HandleSnapshot 的替换+重放互斥：一条增量要么排在
// 快照落盘之前（进缓冲），要么排在之后（门控应用），不会丢在中间。
func (t *Tracker) HandleDiff(d Diff) {
	t.mu.Lock()
	st, ok := t.pairs[d.Pair]
	if !ok {
		// 订阅尚未登记的交易对也先缓冲，快照在途期间不丢任何实时更新。
		// 隐式状态不进跟踪集：Untrack 后残留在通道里的增量不会把
		// 该交易对重新拉回订阅，也不会影响 AllReady。
		st = &pairState{book: NewOrderBook(d.Pair)}
		t.pairs[d.Pair] = st
	}
	if !st.ready {
		if len(st.buffered) >= t.cfg.DiffBufferSize {
			st.buffered = st.buffered[1:]
		}
		st.buffered = append(st.buffered, d)
		buffered := len(st.buffered)
		t.mu.Unlock()
		metrics.UpdateBookMetrics(d.Pair, 0, 0, buffered)
		return
	}
	applied := st.book.ApplyDiff(d)
	bookSeq := st.book.LastSequenceID()
	t.mu.Unlock()

	if applied {
		metrics.UpdateBookMetrics(d.Pair, 1, 0, 0)
	} else {
		metrics.UpdateBookMetrics(d.Pair, 0, 1, 0)
		t.log.Debug("stale diff discarded",
			zap.String("pair", d.Pair),
			zap.Uint64("seq", d.SequenceID),
			zap.Uint64("book_seq", bookSeq))
	}
}

// HandleSnapshot 落盘快照：整体替换簿，按序列号重放缓冲中比快照新的增量，
// 最后标记就绪。全程持锁，并发到达的增量只能排在重放之后按序列号门控应用。
// 未在跟踪的交易对（与 Untrack 竞态的迟到快照）直接忽略。
func (t *Tracker) HandleSnapshot(s Snapshot) {
	t.mu.Lock()
	st, ok := t.pairs[s.Pair]
	if !ok || !st.tracked {
		t.mu.Unlock()
		t.log.Debug("snapshot for untracked pair ignored", zap.String("pair", s.Pair))
		return
	}
	st.book.ApplySnapshot(s)
	buffered := st.buffered
	st.buffered = nil
	// 重放按序列号排序：乱序到达的缓冲增量也能各自落在正确的位置，
	// 序列号门控保证每条至多应用一次。
	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].SequenceID < buffered[j].SequenceID
	})
	applied := 0
	for _, d := range buffered {
		if d.SequenceID <= s.SequenceID {
			continue
		}
		if st.book.ApplyDiff(d) {
			applied++
		}
	}
	st.ready = true
	t.mu.Unlock()

	metrics.CountBookSnapshot(s.Pair)
	metrics.UpdateBookMetrics(s.Pair, applied, len(buffered)-applied, 0)
	t.log.Info("order book snapshot applied",
		zap.String("pair", s.Pair),
		zap.Uint64("seq", s.SequenceID),
		zap.Int("replayed", applied))
}

// Start 启动增量流与各交易对的快照轮询。循环只在 ctx 取消时退出。
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.runCtx = ctx
	for pair, st := range t.pairs {
		if st.cancel == nil {
			loopCtx, cancel := context.WithCancel(ctx)
			st.cancel = cancel
			t.wg.Add(1)
			go t.snapshotLoop(loopCtx, pair)
		}
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.diffLoop(ctx)
}

// Wait 阻塞到所有后台循环退出，供编排层优雅停机。
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) signalResub() {
	select {
	case t.resub <- struct{}{}:
	default:
	}
}

// diffLoop 维护增量订阅：通道关闭（流断开）或跟踪集变化时重建，固定间隔退避。
func (t *Tracker) diffLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		pairs := t.Tracked()
		if len(pairs) == 0 {
			if !sleepCtx(ctx, t.cfg.StreamReconnectDelay, t.resub) {
				return
			}
			continue
		}
		ch, err := t.source.SubscribeDiffs(ctx, pairs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			t.log.Warn("diff subscribe failed, retrying",
				zap.Error(err),
				zap.Duration("delay", t.cfg.StreamReconnectDelay))
			metrics.CountWSReconnect("diffs")
			if !sleepCtx(ctx, t.cfg.StreamReconnectDelay, t.resub) {
				return
			}
			continue
		}

	consume:
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.resub:
				break consume
			case d, open := <-ch:
				if !open {
					t.log.Warn("diff stream closed, reconnecting",
						zap.Duration("delay", t.cfg.StreamReconnectDelay))
					metrics.CountWSReconnect("diffs")
					if !sleepCtx(ctx, t.cfg.StreamReconnectDelay, t.resub) {
						return
					}
					break consume
				}
				t.HandleDiff(d)
			}
		}
	}
}

// snapshotLoop 启动即拉一次快照，此后按周期刷新；失败按固定短间隔重试。
func (t *Tracker) snapshotLoop(ctx context.Context, pair string) {
	defer t.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		s, err := t.source.FetchSnapshot(ctx, pair)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			t.log.Warn("snapshot fetch failed, retrying",
				zap.String("pair", pair),
				zap.Error(err),
				zap.Duration("delay", t.cfg.SnapshotRetryDelay))
			if !sleepCtx(ctx, t.cfg.SnapshotRetryDelay, nil) {
				return
			}
			continue
		}
		t.HandleSnapshot(s)
		if !sleepCtx(ctx, t.cfg.SnapshotInterval, nil) {
			return
		}
	}
}

// sleepCtx 可被 ctx 或唤醒信号打断的睡眠；ctx 取消返回 false。
func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
