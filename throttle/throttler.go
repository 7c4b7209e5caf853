package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exchange-connector-go/metrics"
)

// ErrAcquireTimeout 表示在调用方给定的 deadline 内没有等到额度。
var ErrAcquireTimeout = errors.New("throttle: acquire deadline exceeded")

// Throttler 按滑动时间窗统计各池的已用权重，额度不足时阻塞调用方直到窗口滚动。
// 超额不报错，只延迟；同一 limit 上的并发 Acquire 按 FIFO 顺序放行，避免饿死。
// 不同 limit 互不排队：一个在耗尽的 limit 上等窗口的调用方，
// 不会挡住其他 limit 上额度充足的调用。
type Throttler struct {
	rules map[string]Rule

	// 每个 limit 一条容量为 1 的通道，充当该 limit 的 FIFO 互斥：
	// 等待发送的 goroutine 按入队顺序获得放行资格。
	entry map[string]chan struct{}

	mu      sync.Mutex
	records map[string][]record
}

type record struct {
	ts     time.Time
	weight int
}

// NewThrottler 校验规则并构建限流器。关联池必须引用已存在的规则。
func NewThrottler(rules []Rule) (*Throttler, error) {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[r.LimitID]; dup {
			return nil, fmt.Errorf("throttle: duplicate rule %s", r.LimitID)
		}
		m[r.LimitID] = r
	}
	for _, r := range m {
		for _, lp := range r.LinkedPools {
			linked, ok := m[lp.PoolID]
			if !ok {
				return nil, fmt.Errorf("throttle: rule %s links unknown pool %s", r.LimitID, lp.PoolID)
			}
			if lp.Weight > linked.Capacity {
				return nil, fmt.Errorf("throttle: rule %s consumes %d from pool %s (capacity %d)",
					r.LimitID, lp.Weight, lp.PoolID, linked.Capacity)
			}
		}
	}
	entry := make(map[string]chan struct{}, len(m))
	for id := range m {
		entry[id] = make(chan struct{}, 1)
	}
	return &Throttler{
		rules:   m,
		entry:   entry,
		records: make(map[string][]record),
	}, nil
}

// demand 是一次调用对某个池的权重需求。
type demand struct {
	poolID string
	weight int
}

func (t *Throttler) demands(r Rule) []demand {
	ds := make([]demand, 0, 1+len(r.LinkedPools))
	ds = append(ds, demand{poolID: r.LimitID, weight: r.weight()})
	for _, lp := range r.LinkedPools {
		ds = append(ds, demand{poolID: lp.PoolID, weight: lp.Weight})
	}
	return ds
}

// Acquire 阻塞直到 limitID 及其所有关联池都有足够额度，随后登记消耗并返回。
// ctx 到期返回 ErrAcquireTimeout（deadline）或 ctx 的取消错误；额度本身不会产生错误。
// 等待只占住本 limit 的入口，放行判定在共享锁内原子完成。
func (t *Throttler) Acquire(ctx context.Context, limitID string) error {
	rule, ok := t.rules[limitID]
	if !ok {
		return fmt.Errorf("throttle: unknown limit id %q", limitID)
	}

	gate := t.entry[limitID]
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return t.ctxErr(ctx)
	}
	defer func() { <-gate }()

	start := time.Now()
	for {
		now := time.Now()
		t.mu.Lock()
		t.flushLocked(now)
		wait, admitted := t.tryAdmitLocked(rule, now)
		t.mu.Unlock()
		if admitted {
			metrics.ObserveThrottleWait(limitID, time.Since(start).Seconds())
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return t.ctxErr(ctx)
		}
	}
}

func (t *Throttler) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
	return ctx.Err()
}

// flushLocked 清理所有池中已滑出窗口的记录。
func (t *Throttler) flushLocked(now time.Time) {
	for poolID, recs := range t.records {
		window := t.rules[poolID].Window
		cut := now.Add(-window)
		idx := 0
		for idx < len(recs) && !recs[idx].ts.After(cut) {
			idx++
		}
		if idx == len(recs) {
			delete(t.records, poolID)
		} else if idx > 0 {
			t.records[poolID] = recs[idx:]
		}
	}
}

// tryAdmitLocked 尝试放行：所有相关池都满足 usage+weight <= capacity 时登记消耗并返回 true；
// 否则返回需要等待的时长（最受限池中足够多的旧记录滑出窗口的精确时刻）。
func (t *Throttler) tryAdmitLocked(r Rule, now time.Time) (time.Duration, bool) {
	var wait time.Duration
	for _, d := range t.demands(r) {
		pool := t.rules[d.poolID]
		recs := t.records[d.poolID]
		usage := 0
		for _, rec := range recs {
			usage += rec.weight
		}
		over := usage + d.weight - pool.Capacity
		if over <= 0 {
			continue
		}
		// 从最旧的记录开始累计，直到释放的权重足够。
		freed := 0
		for _, rec := range recs {
			freed += rec.weight
			if freed >= over {
				if w := rec.ts.Add(pool.Window).Sub(now) + time.Millisecond; w > wait {
					wait = w
				}
				break
			}
		}
	}
	if wait > 0 {
		return wait, false
	}
	for _, d := range t.demands(r) {
		t.records[d.poolID] = append(t.records[d.poolID], record{ts: now, weight: d.weight})
	}
	return 0, true
}

// Usage 返回某个池当前窗口内的已用权重，主要供测试与指标观察。
func (t *Throttler) Usage(poolID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked(time.Now())
	total := 0
	for _, rec := range t.records[poolID] {
		total += rec.weight
	}
	return total
}
