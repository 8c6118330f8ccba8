package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
)

type scriptedPinger struct {
	mu   sync.Mutex
	fail bool
}

func (p *scriptedPinger) set(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *scriptedPinger) Ping(context.Context) (Pong, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return Pong{}, errors.New("no pong")
	}
	return Pong{RTT: 3 * time.Millisecond}, nil
}

func TestHealthMonitorTransitions(t *testing.T) {
	bus := events.NewBus(16, zerolog.Nop())
	defer bus.Close()
	p := &scriptedPinger{}
	h := NewHealthMonitor(p, HealthConfig{Interval: 50 * time.Millisecond, MissedThreshold: 3}, bus, zerolog.Nop())

	var states []LinkState
	h.OnChange(func(s LinkState) { states = append(states, s) })

	ctx := context.Background()
	assert.False(t, h.Up(), "link starts down until the first pong")

	require.NoError(t, h.Beat(ctx))
	assert.True(t, h.Up())
	assert.Equal(t, time.Duration(0), h.DownFor())
	assert.Equal(t, 3*time.Millisecond, h.LastRTT())

	p.set(true)
	_ = h.Beat(ctx)
	_ = h.Beat(ctx)
	assert.True(t, h.Up(), "two misses stay below the threshold")
	_ = h.Beat(ctx)
	assert.False(t, h.Up())

	p.set(false)
	require.NoError(t, h.Beat(ctx))
	assert.True(t, h.Up())

	assert.Equal(t, []LinkState{LinkUp, LinkDown, LinkUp}, states)
	hist := bus.History(events.Query{Types: []events.Type{events.TypeLinkState}})
	require.Len(t, hist, 3)
	assert.Equal(t, LinkDown, hist[1].Payload.(LinkEvent).State)
}

func TestHealthMonitorProlongedDown(t *testing.T) {
	p := &scriptedPinger{fail: true}
	h := NewHealthMonitor(p, HealthConfig{Interval: 10 * time.Millisecond, HaltAfter: 30 * time.Second}, nil, zerolog.Nop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	h.downSince = now

	assert.False(t, h.ProlongedDown())
	now = now.Add(30 * time.Second)
	assert.False(t, h.ProlongedDown())
	now = now.Add(time.Millisecond)
	assert.True(t, h.ProlongedDown())

	p.set(false)
	require.NoError(t, h.Beat(context.Background()))
	assert.False(t, h.ProlongedDown())
}

func TestHealthMonitorRunComesUp(t *testing.T) {
	p := &scriptedPinger{}
	h := NewHealthMonitor(p, HealthConfig{Interval: 10 * time.Millisecond}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	assert.Eventually(t, h.Up, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
