package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func lv(price, amount string) PriceLevel {
	return PriceLevel{
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString(amount),
	}
}

func TestApplySnapshotReplacesWholesale(t *testing.T) {
	b := NewOrderBook("BTC-USDT")
	b.ApplySnapshot(Snapshot{
		SequenceID: 100,
		Bids:       []PriceLevel{lv("10", "5"), lv("9", "2")},
		Asks:       []PriceLevel{lv("11", "5")},
	})
	require.Equal(t, uint64(100), b.LastSequenceID())

	// 更低序列号的快照仍然整体替换：快照永远是新的基线
	b.ApplySnapshot(Snapshot{
		SequenceID: 50,
		Bids:       []PriceLevel{lv("8", "1")},
		Asks:       []PriceLevel{lv("12", "1")},
	})
	require.Equal(t, uint64(50), b.LastSequenceID())
	snap := b.Snapshot()
	require.Len(t, snap.Bids, 1)
	require.True(t, snap.Bids[0].Price.Equal(decimal.RequireFromString("8")))
}

func TestApplyDiffSequenceGate(t *testing.T) {
	b := NewOrderBook("BTC-USDT")
	b.ApplySnapshot(Snapshot{
		SequenceID: 100,
		Bids:       []PriceLevel{lv("10", "5")},
		Asks:       []PriceLevel{lv("11", "5")},
	})

	// 过期增量不得改动任何价位
	require.False(t, b.ApplyDiff(Diff{SequenceID: 100, Bids: []PriceLevel{lv("10", "99")}}))
	require.False(t, b.ApplyDiff(Diff{SequenceID: 42, Bids: []PriceLevel{lv("10", "99")}}))
	bid, ok := b.BestBid()
	require.True(t, ok)
	require.True(t, bid.Amount.Equal(decimal.RequireFromString("5")))
	require.Equal(t, uint64(100), b.LastSequenceID())

	require.True(t, b.ApplyDiff(Diff{SequenceID: 101, Bids: []PriceLevel{lv("10", "3")}}))
	bid, _ = b.BestBid()
	require.True(t, bid.Amount.Equal(decimal.RequireFromString("3")))
	require.Equal(t, uint64(101), b.LastSequenceID())
}

func TestApplyDiffZeroAmountDeletes(t *testing.T) {
	b := NewOrderBook("BTC-USDT")
	b.ApplySnapshot(Snapshot{
		SequenceID: 1,
		Bids:       []PriceLevel{lv("10", "5"), lv("9", "1")},
	})
	require.True(t, b.ApplyDiff(Diff{SequenceID: 2, Bids: []PriceLevel{lv("10", "0")}}))
	bid, ok := b.BestBid()
	require.True(t, ok)
	require.True(t, bid.Price.Equal(decimal.RequireFromString("9")))
}

func TestSnapshotSorted(t *testing.T) {
	b := NewOrderBook("ETH-USDT")
	b.ApplySnapshot(Snapshot{
		SequenceID: 1,
		Bids:       []PriceLevel{lv("9", "1"), lv("10", "1"), lv("8", "1")},
		Asks:       []PriceLevel{lv("13", "1"), lv("11", "1"), lv("12", "1")},
	})
	snap := b.Snapshot()
	require.Equal(t, "10", snap.Bids[0].Price.String())
	require.Equal(t, "9", snap.Bids[1].Price.String())
	require.Equal(t, "8", snap.Bids[2].Price.String())
	require.Equal(t, "11", snap.Asks[0].Price.String())
	require.Equal(t, "12", snap.Asks[1].Price.String())
	require.Equal(t, "13", snap.Asks[2].Price.String())
}

func TestMid(t *testing.T) {
	b := NewOrderBook("ETH-USDT")
	require.True(t, b.Mid().IsZero())
	b.ApplySnapshot(Snapshot{
		SequenceID: 1,
		Bids:       []PriceLevel{lv("10", "1")},
		Asks:       []PriceLevel{lv("12", "1")},
	})
	require.Equal(t, "11", b.Mid().String())
}
