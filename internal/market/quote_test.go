package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateQuote(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		quote   Quote
		wantErr bool
	}{
		{"valid", Quote{Symbol: "005930", Bid: 70000, Ask: 70100, Last: 70050, Timestamp: now}, false},
		{"last only", Quote{Symbol: "005930", Last: 70050, Timestamp: now}, false},
		{"empty symbol", Quote{Bid: 1, Ask: 2, Last: 1.5, Timestamp: now}, true},
		{"zero prices", Quote{Symbol: "X", Timestamp: now}, true},
		{"crossed", Quote{Symbol: "X", Bid: 10, Ask: 9, Last: 9.5, Timestamp: now}, true},
		{"future", Quote{Symbol: "X", Bid: 1, Ask: 2, Last: 1.5, Timestamp: now.Add(time.Hour)}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateQuote(tc.quote, now)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQuoteMidAndStaleness(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	q := Quote{Symbol: "AAPL", Bid: 100, Ask: 102, Last: 101.5, Timestamp: now.Add(-3 * time.Second)}

	assert.Equal(t, 101.0, q.Mid())
	assert.InDelta(t, 200.0, q.SpreadBps(), 1e-9)
	assert.False(t, q.IsStale(now, 5*time.Second))
	assert.True(t, q.IsStale(now, 2*time.Second))
	assert.True(t, Quote{}.IsStale(now, time.Hour))
}

func TestBookKeepsNewest(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	b := NewBook([]Quote{
		{Symbol: "aapl", Last: 1, Timestamp: t0.Add(time.Second)},
		{Symbol: "AAPL", Last: 2, Timestamp: t0},
	})
	q, ok := b.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, 1.0, q.Last)

	merged := b.Merge(NewBook([]Quote{{Symbol: "AAPL", Last: 3, Timestamp: t0.Add(2 * time.Second)}}))
	q, _ = merged.Get("aapl")
	assert.Equal(t, 3.0, q.Last)
	// original untouched
	q, _ = b.Get("AAPL")
	assert.Equal(t, 1.0, q.Last)
}

func TestSimFeedDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	a := NewSimFeed(42, map[string]float64{"AAPL": 200, "NVDA": 450})
	b := NewSimFeed(42, map[string]float64{"AAPL": 200, "NVDA": 450})

	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Snapshot(now), b.Snapshot(now))
	}

	q, err := a.Peek("AAPL", now)
	require.NoError(t, err)
	require.NoError(t, ValidateQuote(q, now))

	_, err = a.Quote("MISSING", now)
	assert.Error(t, err)
}
