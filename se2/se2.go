// Package se2 turns SpaceMouse state into a planar velocity command for
// driving a ground robot: forward, lateral, and yaw rate.
package se2

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"

	"spacemousemod/spacemouse"
)

// Default sensitivities and polling interval.
const (
	DefaultVXSensitivity     = 0.8
	DefaultVYSensitivity     = 0.4
	DefaultOmegaZSensitivity = 1.0
	DefaultInterval          = 10 * time.Millisecond
)

// Command is a planar velocity command. VX and VY are unitless magnitudes in
// [-1, 1] scaled by the sensitivities, OmegaZ is the yaw rate magnitude.
type Command struct {
	VX     float64
	VY     float64
	OmegaZ float64
}

// Vector returns the command with linear velocity on X/Y and yaw rate on Z,
// matching the vectors the base APIs take.
func (c Command) Vector() r3.Vector {
	return r3.Vector{X: c.VX, Y: c.VY, Z: c.OmegaZ}
}

// Button identifies a SpaceMouse button for callback registration.
type Button int

// The two physical buttons on the puck.
const (
	ButtonLeft Button = iota
	ButtonRight
)

// StateFunc supplies the current device state on every poll.
type StateFunc func() spacemouse.State

// Options configure an Adapter. Zero values take the defaults above.
type Options struct {
	VXSensitivity     float64
	VYSensitivity     float64
	OmegaZSensitivity float64
	Interval          time.Duration
}

func (o Options) withDefaults() Options {
	if o.VXSensitivity == 0 {
		o.VXSensitivity = DefaultVXSensitivity
	}
	if o.VYSensitivity == 0 {
		o.VYSensitivity = DefaultVYSensitivity
	}
	if o.OmegaZSensitivity == 0 {
		o.OmegaZSensitivity = DefaultOmegaZSensitivity
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Adapter polls a state source on a fixed interval and maintains the planar
// command. Button presses dispatch registered callbacks: the left button is
// free for the caller, the right button additionally zeroes the command.
type Adapter struct {
	opts   Options
	source StateFunc
	logger logging.Logger

	mu          sync.RWMutex
	command     Command
	callbacks   map[Button]func()
	prevButtons [2]bool

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewAdapter starts polling the source. Close must be called to stop it.
func NewAdapter(source StateFunc, opts Options, logger logging.Logger) *Adapter {
	cancelCtx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		opts:      opts.withDefaults(),
		source:    source,
		logger:    logger,
		callbacks: make(map[Button]func()),
		cancel:    cancel,
	}

	logger.Debugw("se2 adapter started",
		"interval", a.opts.Interval,
		"v_x_sensitivity", a.opts.VXSensitivity,
		"v_y_sensitivity", a.opts.VYSensitivity,
		"omega_z_sensitivity", a.opts.OmegaZSensitivity,
	)

	a.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		a.pollLoop(cancelCtx)
	}, a.activeBackgroundWorkers.Done)

	return a
}

// RegisterCallback sets the callback dispatched when the given button is
// pressed alone. A nil fn unregisters it.
func (a *Adapter) RegisterCallback(button Button, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fn == nil {
		delete(a.callbacks, button)
		return
	}
	a.callbacks[button] = fn
}

// Interval reports the effective polling interval.
func (a *Adapter) Interval() time.Duration {
	return a.opts.Interval
}

// Advance returns the current planar command.
func (a *Adapter) Advance() Command {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.command
}

// Reset zeroes the command.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.command = Command{}
}

// Close stops the polling loop.
func (a *Adapter) Close() {
	a.cancel()
	a.activeBackgroundWorkers.Wait()
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.step(a.source())
	}
}

// step processes one device snapshot. Exactly one of the three branches
// applies: a lone left press dispatches the left callback, a lone right press
// zeroes the command and dispatches the right callback, anything else
// projects the twist into the command.
func (a *Adapter) step(state spacemouse.State) {
	left := state.Buttons[spacemouse.ButtonLeft]
	right := state.Buttons[spacemouse.ButtonRight]

	var fire func()
	a.mu.Lock()
	switch {
	case left && !right:
		if !a.prevButtons[0] {
			fire = a.callbacks[ButtonLeft]
		}
	case right && !left:
		a.command = Command{}
		if !a.prevButtons[1] {
			fire = a.callbacks[ButtonRight]
		}
	default:
		a.command = Command{
			VX:     a.opts.VXSensitivity * state.Axes[spacemouse.AxisVX],
			VY:     a.opts.VYSensitivity * state.Axes[spacemouse.AxisVY],
			OmegaZ: a.opts.OmegaZSensitivity * state.Axes[spacemouse.AxisWZ],
		}
	}
	a.prevButtons[0], a.prevButtons[1] = left, right
	a.mu.Unlock()

	// Dispatch outside the lock so callbacks may call Advance or Reset.
	if fire != nil {
		fire()
	}
}
