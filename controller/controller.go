// Package controller exposes a SpaceMouse as a viam input controller with
// six absolute axes and two buttons.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"spacemousemod/spacemouse"
)

// Model is the controller's model triple.
var Model = resource.NewModel("teleop", "spacemouse", "controller")

const defaultPollIntervalMs = 10

// axisControls maps twist axis indices to input controls, in device order.
var axisControls = [6]input.Control{
	input.AbsoluteX,
	input.AbsoluteY,
	input.AbsoluteZ,
	input.AbsoluteRX,
	input.AbsoluteRY,
	input.AbsoluteRZ,
}

// buttonControls maps the physical buttons to input controls: the left
// button sits west of the puck, the right button east.
var buttonControls = [2]input.Control{
	input.ButtonWest,
	input.ButtonEast,
}

func init() {
	resource.RegisterComponent(
		input.API,
		Model,
		resource.Registration[input.Controller, *Config]{Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			conf resource.Config,
			logger logging.Logger,
		) (input.Controller, error) {
			return NewController(ctx, conf, logger)
		}})
}

// Config configures the spacemouse controller.
type Config struct {
	// DevicePath is the event device to open. Empty autodetects by vendor ID.
	DevicePath     string `json:"device_path,omitempty"`
	PollIntervalMs int    `json:"poll_interval_ms,omitempty"`
}

// Validate checks the config.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.PollIntervalMs < 0 {
		return nil, errors.New("poll_interval_ms must be non-negative")
	}
	return nil, nil
}

type controller struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	dev    spacemouse.Device

	mu         sync.RWMutex
	lastEvents map[input.Control]input.Event
	callbacks  map[input.Control]map[input.EventType]input.ControlFunction

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewController opens the device from the config and starts polling it.
func NewController(ctx context.Context, conf resource.Config, logger logging.Logger) (input.Controller, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	var dev spacemouse.Device
	if cfg.DevicePath != "" {
		dev, err = spacemouse.Open(ctx, cfg.DevicePath, logger)
	} else {
		dev, err = spacemouse.Find(ctx, logger)
	}
	if err != nil {
		return nil, err
	}

	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if interval == 0 {
		interval = defaultPollIntervalMs * time.Millisecond
	}

	return newController(conf.ResourceName(), dev, interval, logger), nil
}

// NewControllerFromDevice wires an already-open device; tests hand a fake in
// through here.
func NewControllerFromDevice(
	name resource.Name,
	dev spacemouse.Device,
	interval time.Duration,
	logger logging.Logger,
) input.Controller {
	return newController(name, dev, interval, logger)
}

func newController(
	name resource.Name,
	dev spacemouse.Device,
	interval time.Duration,
	logger logging.Logger,
) *controller {
	cancelCtx, cancel := context.WithCancel(context.Background())
	c := &controller{
		Named:      name.AsNamed(),
		logger:     logger,
		dev:        dev,
		lastEvents: make(map[input.Control]input.Event),
		callbacks:  make(map[input.Control]map[input.EventType]input.ControlFunction),
		cancel:     cancel,
	}

	c.sendConnectionStatus(cancelCtx, input.Connect)

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		c.pollLoop(cancelCtx, interval)
	}, c.activeBackgroundWorkers.Done)

	return c
}

func (c *controller) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev spacemouse.State
	prev.Connected = true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := c.dev.State()
		if prev.Connected && !cur.Connected {
			c.sendConnectionStatus(ctx, input.Disconnect)
			prev = cur
			continue
		}

		for i, control := range axisControls {
			if cur.Axes[i] == prev.Axes[i] {
				continue
			}
			c.processEvent(ctx, input.Event{
				Time:    time.Now(),
				Event:   input.PositionChangeAbs,
				Control: control,
				Value:   cur.Axes[i],
			})
		}

		for i, control := range buttonControls {
			if cur.Buttons[i] == prev.Buttons[i] {
				continue
			}
			eventType := input.ButtonRelease
			value := 0.0
			if cur.Buttons[i] {
				eventType = input.ButtonPress
				value = 1.0
			}
			c.processEvent(ctx, input.Event{
				Time:    time.Now(),
				Event:   eventType,
				Control: control,
				Value:   value,
			})
		}

		prev = cur
	}
}

func (c *controller) sendConnectionStatus(ctx context.Context, eventType input.EventType) {
	now := time.Now()
	for _, control := range c.controls() {
		c.processEvent(ctx, input.Event{
			Time:    now,
			Event:   eventType,
			Control: control,
		})
	}
}

func (c *controller) processEvent(ctx context.Context, event input.Event) {
	c.mu.Lock()
	c.lastEvents[event.Control] = event
	ctrlFunc := c.callbacks[event.Control][event.Event]
	ctrlFuncAll := c.callbacks[event.Control][input.AllEvents]
	c.mu.Unlock()

	if ctrlFunc != nil {
		ctrlFunc(ctx, event)
	}
	if ctrlFuncAll != nil {
		ctrlFuncAll(ctx, event)
	}
}

func (c *controller) controls() []input.Control {
	out := make([]input.Control, 0, len(axisControls)+len(buttonControls))
	out = append(out, axisControls[:]...)
	out = append(out, buttonControls[:]...)
	return out
}

// Controls lists the axes and buttons this controller emits.
func (c *controller) Controls(ctx context.Context, extra map[string]interface{}) ([]input.Control, error) {
	return c.controls(), nil
}

// Events returns the most recent event per control.
func (c *controller) Events(ctx context.Context, extra map[string]interface{}) (map[input.Control]input.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[input.Control]input.Event, len(c.lastEvents))
	for control, event := range c.lastEvents {
		out[control] = event
	}
	return out, nil
}

// RegisterControlCallback attaches ctrlFunc to the given control and
// triggers. A nil ctrlFunc unregisters the triggers.
func (c *controller) RegisterControlCallback(
	ctx context.Context,
	control input.Control,
	triggers []input.EventType,
	ctrlFunc input.ControlFunction,
	extra map[string]interface{},
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbacks[control] == nil {
		c.callbacks[control] = make(map[input.EventType]input.ControlFunction)
	}
	for _, trigger := range triggers {
		if trigger == input.ButtonChange {
			c.callbacks[control][input.ButtonPress] = ctrlFunc
			c.callbacks[control][input.ButtonRelease] = ctrlFunc
			continue
		}
		c.callbacks[control][trigger] = ctrlFunc
	}
	return nil
}

// TriggerEvent injects an event as if the device had produced it.
func (c *controller) TriggerEvent(ctx context.Context, event input.Event, extra map[string]interface{}) error {
	c.processEvent(ctx, event)
	return nil
}

// DoCommand reports the latest per-control values.
func (c *controller) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	events, err := c.Events(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(events))
	for control, event := range events {
		out[string(control)] = event.Value
	}
	return out, nil
}

// Close stops polling and releases the device.
func (c *controller) Close(ctx context.Context) error {
	c.cancel()
	c.activeBackgroundWorkers.Wait()
	return c.dev.Close()
}
