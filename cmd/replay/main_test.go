package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/mlstock/internal/config"
	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/gateway"
	"github.com/Rajchodisetti/mlstock/internal/orchestrator"
)

func runReplay(t *testing.T) []orchestrator.Disposition {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "engine.yaml"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), cfg, filepath.Join("..", "..", "fixtures", "replay.jsonl"), &out, nil))

	var ds []orchestrator.Disposition
	dec := json.NewDecoder(&out)
	for dec.More() {
		var d orchestrator.Disposition
		require.NoError(t, dec.Decode(&d))
		ds = append(ds, d)
	}
	return ds
}

func find(t *testing.T, ds []orchestrator.Disposition, cycle, symbol string) orchestrator.Disposition {
	t.Helper()
	for _, d := range ds {
		if d.CycleID == cycle && d.Symbol == symbol {
			return d
		}
	}
	t.Fatalf("no disposition for %s/%s", cycle, symbol)
	return orchestrator.Disposition{}
}

func TestReplayFixture(t *testing.T) {
	ds := runReplay(t)

	buy := find(t, ds, "r-0001", "005930")
	assert.Equal(t, orchestrator.StageCompleted, buy.Stage)
	assert.Equal(t, decision.SideBuy, buy.Side)
	require.NotNil(t, buy.Record)
	assert.Equal(t, gateway.StatusFilled, buy.Record.Status)

	weak := find(t, ds, "r-0001", "000660")
	assert.Equal(t, orchestrator.StageSkipped, weak.Stage)
	assert.Equal(t, decision.SkipBelowThreshold, weak.Reason)

	hold := find(t, ds, "r-0002", "005930")
	assert.Equal(t, decision.SkipHold, hold.Reason)

	reduce := find(t, ds, "r-0003", "005930")
	assert.Equal(t, decision.SideSell, reduce.Side)
	require.NotNil(t, reduce.Record)
	assert.Equal(t, gateway.StatusFilled, reduce.Record.Status)
	assert.Less(t, reduce.Quantity, buy.Quantity)
}

func TestReplayIsReproducible(t *testing.T) {
	first, second := runReplay(t), runReplay(t)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Stage, second[i].Stage)
		assert.Equal(t, first[i].Quantity, second[i].Quantity)
		if first[i].Record != nil {
			assert.Equal(t, first[i].Record.FillPrice, second[i].Record.FillPrice)
			assert.Equal(t, first[i].Record.IdempotencyKey, second[i].Record.IdempotencyKey)
		}
	}
}
