package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestThrottler(t *testing.T, rules []Rule) *Throttler {
	t.Helper()
	th, err := NewThrottler(rules)
	require.NoError(t, err)
	return th
}

func TestAcquireWithinCapacity(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "orders", Capacity: 3, Window: 250 * time.Millisecond},
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Acquire(context.Background(), "orders"))
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("3 calls within capacity should not block, took %v", elapsed)
	}
	require.Equal(t, 3, th.Usage("orders"))
}

func TestAcquireBlocksUntilWindowRolls(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "orders", Capacity: 2, Window: 200 * time.Millisecond},
	})

	require.NoError(t, th.Acquire(context.Background(), "orders"))
	require.NoError(t, th.Acquire(context.Background(), "orders"))

	start := time.Now()
	require.NoError(t, th.Acquire(context.Background(), "orders"))
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond {
		t.Fatalf("3rd call should wait for window roll, waited only %v", elapsed)
	}
}

// 场景：A 池 10 个额度关联 ALL 池 100 个额度，瞬间发 15 个请求，
// 恰好 10 个立即放行，其余等窗口滚动。
func TestLinkedPoolBurst(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "ALL", Capacity: 100, Window: 300 * time.Millisecond},
		{LimitID: "A", Capacity: 10, Window: 300 * time.Millisecond,
			LinkedPools: []LinkedPool{{PoolID: "ALL", Weight: 1}}},
	})

	var immediate atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := th.Acquire(context.Background(), "A"); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if time.Since(start) < 150*time.Millisecond {
				immediate.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), immediate.Load(), "exactly 10 calls should proceed before the window rolls")
	require.LessOrEqual(t, th.Usage("A"), 10)
	require.LessOrEqual(t, th.Usage("ALL"), 100)
}

// 关联池比自身池更紧时，以关联池为准。
func TestLinkedPoolIsTheConstraint(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "shared", Capacity: 2, Window: 200 * time.Millisecond},
		{LimitID: "wide", Capacity: 100, Window: 200 * time.Millisecond,
			LinkedPools: []LinkedPool{{PoolID: "shared", Weight: 1}}},
	})

	require.NoError(t, th.Acquire(context.Background(), "wide"))
	require.NoError(t, th.Acquire(context.Background(), "wide"))

	start := time.Now()
	require.NoError(t, th.Acquire(context.Background(), "wide"))
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("shared pool exhausted, expected wait, got %v", elapsed)
	}
}

func TestWeightedRule(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "heavy", Capacity: 10, Window: 200 * time.Millisecond, Weight: 5},
	})

	require.NoError(t, th.Acquire(context.Background(), "heavy"))
	require.NoError(t, th.Acquire(context.Background(), "heavy"))
	require.Equal(t, 10, th.Usage("heavy"))

	start := time.Now()
	require.NoError(t, th.Acquire(context.Background(), "heavy"))
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("weighted call over capacity should wait, got %v", elapsed)
	}
}

// 在耗尽的 limit 上等窗口的调用方，不能挡住其他 limit 上额度充足的调用。
func TestExhaustedLimitDoesNotBlockOthers(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "slow", Capacity: 1, Window: 500 * time.Millisecond},
		{LimitID: "fast", Capacity: 100, Window: 500 * time.Millisecond},
	})

	require.NoError(t, th.Acquire(context.Background(), "slow"))

	blocked := make(chan struct{})
	go func() {
		close(blocked)
		_ = th.Acquire(context.Background(), "slow") // 等窗口滚动
	}()
	<-blocked
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	require.NoError(t, th.Acquire(context.Background(), "fast"))
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("fast limit has free capacity but waited %v behind slow", elapsed)
	}
}

func TestAcquireDeadline(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "orders", Capacity: 1, Window: time.Minute},
	})
	require.NoError(t, th.Acquire(context.Background(), "orders"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := th.Acquire(ctx, "orders")
	require.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAcquireCancellationPropagates(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "orders", Capacity: 1, Window: time.Minute},
	})
	require.NoError(t, th.Acquire(context.Background(), "orders"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := th.Acquire(ctx, "orders")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrAcquireTimeout))
}

func TestUnknownLimitID(t *testing.T) {
	th := newTestThrottler(t, []Rule{
		{LimitID: "orders", Capacity: 1, Window: time.Second},
	})
	require.Error(t, th.Acquire(context.Background(), "nope"))
}

func TestRuleValidation(t *testing.T) {
	_, err := NewThrottler([]Rule{{LimitID: "a", Capacity: 0, Window: time.Second}})
	require.Error(t, err)

	_, err = NewThrottler([]Rule{
		{LimitID: "a", Capacity: 1, Window: time.Second,
			LinkedPools: []LinkedPool{{PoolID: "missing", Weight: 1}}},
	})
	require.Error(t, err)

	_, err = NewThrottler([]Rule{
		{LimitID: "a", Capacity: 1, Window: time.Second},
		{LimitID: "a", Capacity: 1, Window: time.Second},
	})
	require.Error(t, err)
}
