package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/costco-market/internal/catalog"
	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/observability"
)

func TestEngine_StepRunsCallbacks(t *testing.T) {
	e := NewEngine(time.Minute)
	e.SaveEvery = 3

	var ticks []uint64
	var saves []uint64
	e.OnTick = func(tick uint64) { ticks = append(ticks, tick) }
	e.OnSave = func(tick uint64) error {
		saves = append(saves, tick)
		return nil
	}

	for i := 0; i < 7; i++ {
		e.Step()
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, ticks)
	assert.Equal(t, []uint64{3, 6}, saves)
	assert.Equal(t, uint64(7), e.Tick)
}

func TestEngine_AutosaveDisabled(t *testing.T) {
	e := NewEngine(time.Minute)
	called := false
	e.OnSave = func(uint64) error { called = true; return nil }
	for i := 0; i < 10; i++ {
		e.Step()
	}
	assert.False(t, called)
}

func TestEngine_SaveErrorDoesNotStopTicks(t *testing.T) {
	e := NewEngine(time.Minute)
	e.SaveEvery = 1
	e.OnSave = func(uint64) error { return errors.New("disk full") }
	e.Step()
	e.Step()
	assert.Equal(t, uint64(2), e.Tick)
}

func TestEngine_RunUntilCancelled(t *testing.T) {
	e := NewEngine(time.Millisecond)
	var n atomic.Int64
	e.OnTick = func(uint64) { n.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop on cancel")
	}
	assert.False(t, e.Running())
}

func TestEngine_Stop(t *testing.T) {
	e := NewEngine(0)
	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, e.Running, time.Second, time.Millisecond)
	e.Stop()
	e.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Zero(t, e.Tick, "zero interval never ticks")
}

func TestHoldTick_DriftsAndRecords(t *testing.T) {
	cat := catalog.Default()
	cat.FixedPrices = map[string]float64{"NETHER_STAR": 250}
	r, err := market.NewRegistry(economy.DefaultParams(), cat, 5)
	require.NoError(t, err)

	wheat, err := r.GetOrCreate(market.Item("WHEAT"))
	require.NoError(t, err)
	star, err := r.GetOrCreate(market.Item("NETHER_STAR"))
	require.NoError(t, err)

	m := observability.NewMetrics("test", prometheus.NewRegistry())
	e := NewEngine(time.Minute)
	e.OnTick = HoldTick(r, economy.NewSequenceSampler(1, -0.5), m)

	e.Step()
	e.Step()

	assert.NotEqual(t, 10.0, wheat.Snapshot().HiddenPrice)
	assert.Equal(t, 250.0, star.Snapshot().ShownPrice)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HoldTicks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commodities))
	assert.Equal(t, wheat.Snapshot().ShownPrice, testutil.ToFloat64(m.ShownPrice.WithLabelValues("WHEAT")))
}

func TestEngine_CurrentTickStartsFromRestoredTick(t *testing.T) {
	e := NewEngine(0)
	e.Tick = 41

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(41), e.CurrentTick())

	cancel()
	<-done
	e.Step()
	assert.Equal(t, uint64(42), e.CurrentTick())
}
