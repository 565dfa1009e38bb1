package stubs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

var recorded = time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)

func batches() []transport.Batch {
	return []transport.Batch{
		{
			Rankings: []decision.RankingSignal{{Symbol: "005930", Score: 0.8, GeneratedAt: recorded, ModelVersion: "m1"}},
			Actions:  []decision.PolicyAction{{Symbol: "005930", Action: decision.ActionBuy, TargetWeight: 0.05, GeneratedAt: recorded}},
			Quotes:   []market.Quote{{Symbol: "005930", Bid: 70900, Ask: 71000, Last: 71000, Timestamp: recorded}},
		},
		{
			Actions: []decision.PolicyAction{{Symbol: "005930", Action: decision.ActionSell, TargetWeight: 0.02, GeneratedAt: recorded}},
			Quotes:  []market.Quote{{Symbol: "005930", Bid: 71100, Ask: 71200, Last: 71100, Timestamp: recorded}},
		},
	}
}

func TestSignalServer_ServesBatchesInOrder(t *testing.T) {
	stub := NewSignalServer(batches(), false, nil)
	srv := httptest.NewServer(stub.Handler())
	defer srv.Close()

	src := transport.NewHTTPSource(transport.Config{BaseURL: srv.URL, QuotesPath: "/v1/quotes"}, nil)
	ctx := context.Background()

	b, err := src.Next(ctx)
	require.NoError(t, err)
	require.Len(t, b.Rankings, 1)
	require.Len(t, b.Actions, 1)
	assert.Equal(t, decision.ActionBuy, b.Actions[0].Action)
	require.Len(t, b.Quotes, 1)
	assert.Equal(t, 71000.0, b.Quotes[0].Last)

	b, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, b.Rankings)
	require.Len(t, b.Actions, 1)
	assert.Equal(t, decision.ActionSell, b.Actions[0].Action)
	require.Len(t, b.Quotes, 1)
	assert.Equal(t, 71100.0, b.Quotes[0].Last)

	b, err = src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, b.Empty())

	r, p := src.Cursors()
	assert.Equal(t, "2", r)
	assert.Equal(t, "2", p)
}

func TestSignalServer_Restamp(t *testing.T) {
	stub := NewSignalServer(batches(), true, nil)
	served := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	stub.now = func() time.Time { return served }
	srv := httptest.NewServer(stub.Handler())
	defer srv.Close()

	src := transport.NewHTTPSource(transport.Config{BaseURL: srv.URL, QuotesPath: "/v1/quotes"}, nil)
	b, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, b.Rankings[0].GeneratedAt.Equal(served))
	assert.True(t, b.Actions[0].GeneratedAt.Equal(served))
	assert.True(t, b.Quotes[0].Timestamp.Equal(served))
}

func TestSignalServer_BadCursor(t *testing.T) {
	stub := NewSignalServer(batches(), false, nil)
	w := httptest.NewRecorder()
	stub.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/rankings?cursor=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
