package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"

	"spacemousemod/spacemouse"
)

func newTestController(t *testing.T) (input.Controller, *spacemouse.Fake) {
	t.Helper()
	fake := spacemouse.NewFake()
	c := NewControllerFromDevice(
		input.Named("spacemouse"),
		fake,
		time.Millisecond,
		logging.FromZapCompatible(golog.NewTestLogger(t)),
	)
	t.Cleanup(func() {
		assert.NoError(t, c.Close(context.Background()))
	})
	return c, fake
}

func TestControls(t *testing.T) {
	c, _ := newTestController(t)

	controls, err := c.Controls(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []input.Control{
		input.AbsoluteX, input.AbsoluteY, input.AbsoluteZ,
		input.AbsoluteRX, input.AbsoluteRY, input.AbsoluteRZ,
		input.ButtonWest, input.ButtonEast,
	}, controls)
}

func TestConnectEventsOnStartup(t *testing.T) {
	c, _ := newTestController(t)

	events, err := c.Events(context.Background(), nil)
	require.NoError(t, err)
	require.Contains(t, events, input.AbsoluteX)
	assert.Equal(t, input.Connect, events[input.AbsoluteX].Event)
}

func TestAxisEvents(t *testing.T) {
	c, fake := newTestController(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []input.Event
	err := c.RegisterControlCallback(ctx, input.AbsoluteRZ,
		[]input.EventType{input.PositionChangeAbs},
		func(ctx context.Context, ev input.Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
		}, nil)
	require.NoError(t, err)

	fake.SetAxes([6]float64{0, 0, 0, 0, 0, 0.75})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	last := got[len(got)-1]
	mu.Unlock()
	assert.Equal(t, input.PositionChangeAbs, last.Event)
	assert.Equal(t, input.AbsoluteRZ, last.Control)
	assert.Equal(t, 0.75, last.Value)

	events, err := c.Events(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.75, events[input.AbsoluteRZ].Value)
}

func TestButtonChangeCallback(t *testing.T) {
	c, fake := newTestController(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []input.EventType
	err := c.RegisterControlCallback(ctx, input.ButtonWest,
		[]input.EventType{input.ButtonChange},
		func(ctx context.Context, ev input.Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev.Event)
		}, nil)
	require.NoError(t, err)

	fake.SetButton(spacemouse.ButtonLeft, true)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	fake.SetButton(spacemouse.ButtonLeft, false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []input.EventType{input.ButtonPress, input.ButtonRelease}, got)
}

func TestDisconnectEvent(t *testing.T) {
	c, fake := newTestController(t)
	ctx := context.Background()

	var mu sync.Mutex
	var disconnected bool
	err := c.RegisterControlCallback(ctx, input.AbsoluteX,
		[]input.EventType{input.Disconnect},
		func(ctx context.Context, ev input.Event) {
			mu.Lock()
			defer mu.Unlock()
			disconnected = true
		}, nil)
	require.NoError(t, err)

	fake.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected
	}, time.Second, time.Millisecond)
}

func TestTriggerEvent(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	triggerable, ok := c.(input.Triggerable)
	require.True(t, ok)

	err := triggerable.TriggerEvent(ctx, input.Event{
		Time:    time.Now(),
		Event:   input.PositionChangeAbs,
		Control: input.AbsoluteX,
		Value:   -0.5,
	}, nil)
	require.NoError(t, err)

	// The device itself is at rest, so the injected value sticks.
	events, err := c.Events(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, -0.5, events[input.AbsoluteX].Value)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.Validate("components.0")
	assert.NoError(t, err)

	cfg = &Config{PollIntervalMs: -1}
	_, err = cfg.Validate("components.0")
	assert.Error(t, err)
}
