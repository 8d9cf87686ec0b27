// Package teleop drives a base from a SpaceMouse: the planar command from
// the se2 adapter is pushed to the base as velocity or power, the right
// button stops the base, and the left button can fire a configured
// DoCommand.
package teleop

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/baseremotecontrol"

	"spacemousemod/se2"
	"spacemousemod/spacemouse"
)

// Model is the service's model triple.
var Model = resource.NewModel("teleop", "spacemouse", "se2")

func init() {
	resource.RegisterService(
		baseremotecontrol.API,
		Model,
		resource.Registration[baseremotecontrol.Service, *Config]{Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			conf resource.Config,
			logger logging.Logger,
		) (baseremotecontrol.Service, error) {
			return NewService(ctx, deps, conf, logger)
		}})
}

// Config configures the teleop service.
type Config struct {
	BaseName            string  `json:"base"`
	InputControllerName string  `json:"input_controller"`
	VXSensitivity       float64 `json:"v_x_sensitivity,omitempty"`
	VYSensitivity       float64 `json:"v_y_sensitivity,omitempty"`
	OmegaZSensitivity   float64 `json:"omega_z_sensitivity,omitempty"`
	PollIntervalMs      int     `json:"poll_interval_ms,omitempty"`
	// When both maxes are set, commands go out as SetVelocity scaled by
	// them; otherwise as SetPower.
	MaxLinearVelocity  float64                `json:"max_linear_mm_per_sec,omitempty"`
	MaxAngularVelocity float64                `json:"max_angular_deg_per_sec,omitempty"`
	LeftButtonCommand  map[string]interface{} `json:"left_button_command,omitempty"`
}

// Validate checks the config and returns the implicit dependencies.
func (cfg *Config) Validate(path string) ([]string, error) {
	var deps []string
	if cfg.BaseName == "" {
		return nil, errors.New("base must be set")
	}
	deps = append(deps, cfg.BaseName)
	if cfg.InputControllerName == "" {
		return nil, errors.New("input_controller must be set")
	}
	deps = append(deps, cfg.InputControllerName)
	return deps, nil
}

// The controls the service listens to: the three twist components an SE(2)
// command uses, plus the two buttons.
var monitoredAxes = map[input.Control]int{
	input.AbsoluteX:  spacemouse.AxisVX,
	input.AbsoluteY:  spacemouse.AxisVY,
	input.AbsoluteRZ: spacemouse.AxisWZ,
}

var monitoredButtons = map[input.Control]int{
	input.ButtonWest: spacemouse.ButtonLeft,
	input.ButtonEast: spacemouse.ButtonRight,
}

type teleopService struct {
	resource.Named
	resource.AlwaysRebuild

	cfg             *Config
	base            base.Base
	inputController input.Controller
	adapter         *se2.Adapter
	logger          logging.Logger

	mu    sync.RWMutex
	state spacemouse.State

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewService wires the input controller to the base.
func NewService(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (baseremotecontrol.Service, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	base1, err := base.FromDependencies(deps, cfg.BaseName)
	if err != nil {
		return nil, err
	}
	controller, err := input.FromDependencies(deps, cfg.InputControllerName)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	svc := &teleopService{
		Named:           conf.ResourceName().AsNamed(),
		cfg:             cfg,
		base:            base1,
		inputController: controller,
		logger:          logger,
		cancelCtx:       cancelCtx,
		cancel:          cancel,
	}
	svc.state.Connected = true

	if err := svc.registerCallbacks(ctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "cannot register input callbacks")
	}

	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	svc.adapter = se2.NewAdapter(svc.snapshot, se2.Options{
		VXSensitivity:     cfg.VXSensitivity,
		VYSensitivity:     cfg.VYSensitivity,
		OmegaZSensitivity: cfg.OmegaZSensitivity,
		Interval:          interval,
	}, logger)

	svc.adapter.RegisterCallback(se2.ButtonRight, svc.onRightButton)
	if len(cfg.LeftButtonCommand) > 0 {
		svc.adapter.RegisterCallback(se2.ButtonLeft, svc.onLeftButton)
	}

	svc.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		svc.pushLoop(cancelCtx, svc.adapter.Interval())
	}, svc.activeBackgroundWorkers.Done)

	return svc, nil
}

func (svc *teleopService) snapshot() spacemouse.State {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.state
}

func (svc *teleopService) registerCallbacks(ctx context.Context) error {
	for control := range monitoredAxes {
		if err := svc.inputController.RegisterControlCallback(
			ctx, control,
			[]input.EventType{input.PositionChangeAbs},
			svc.onAxisEvent,
			map[string]interface{}{},
		); err != nil {
			return err
		}
	}
	for control := range monitoredButtons {
		if err := svc.inputController.RegisterControlCallback(
			ctx, control,
			[]input.EventType{input.ButtonChange},
			svc.onButtonEvent,
			map[string]interface{}{},
		); err != nil {
			return err
		}
	}
	for _, control := range svc.ControllerInputs() {
		if err := svc.inputController.RegisterControlCallback(
			ctx, control,
			[]input.EventType{input.Connect, input.Disconnect},
			svc.onConnectionEvent,
			map[string]interface{}{},
		); err != nil {
			return err
		}
	}
	return nil
}

func (svc *teleopService) onAxisEvent(ctx context.Context, event input.Event) {
	idx, ok := monitoredAxes[event.Control]
	if !ok {
		return
	}
	svc.mu.Lock()
	svc.state.Axes[idx] = event.Value
	svc.mu.Unlock()
}

func (svc *teleopService) onButtonEvent(ctx context.Context, event input.Event) {
	idx, ok := monitoredButtons[event.Control]
	if !ok {
		return
	}
	svc.mu.Lock()
	svc.state.Buttons[idx] = event.Event == input.ButtonPress
	svc.mu.Unlock()
}

// onConnectionEvent stops the base whenever the controller connects or
// disconnects, and clears any held state.
func (svc *teleopService) onConnectionEvent(ctx context.Context, event input.Event) {
	svc.mu.Lock()
	svc.state = spacemouse.State{Connected: event.Event == input.Connect}
	svc.mu.Unlock()

	svc.adapter.Reset()
	if err := svc.base.Stop(ctx, nil); err != nil {
		svc.logger.Errorw("cannot stop base", "event", event.Event, "error", err)
	}
}

func (svc *teleopService) onRightButton() {
	if err := svc.base.Stop(svc.cancelCtx, nil); err != nil {
		svc.logger.Errorw("cannot stop base", "error", err)
	}
}

func (svc *teleopService) onLeftButton() {
	if _, err := svc.base.DoCommand(svc.cancelCtx, svc.cfg.LeftButtonCommand); err != nil {
		svc.logger.Errorw("left button command failed", "error", err)
	}
}

// pushLoop forwards the adapter's command to the base whenever it changes.
func (svc *teleopService) pushLoop(ctx context.Context, interval time.Duration) {
	var last se2.Command
	sent := false
	for {
		if !goutils.SelectContextOrWait(ctx, interval) {
			return
		}
		cmd := svc.adapter.Advance()
		if sent && cmd == last {
			continue
		}
		if err := svc.sendToBase(ctx, cmd); err != nil {
			svc.logger.Errorw("cannot send command to base", "error", err)
			continue
		}
		last = cmd
		sent = true
	}
}

// sendToBase maps the SE(2) command into the base's frame: forward velocity
// on +Y, lateral on +X, yaw rate on angular +Z.
func (svc *teleopService) sendToBase(ctx context.Context, cmd se2.Command) error {
	linear := r3.Vector{X: cmd.VY, Y: cmd.VX}
	angular := r3.Vector{Z: cmd.OmegaZ}

	if svc.cfg.MaxLinearVelocity > 0 && svc.cfg.MaxAngularVelocity > 0 {
		return svc.base.SetVelocity(
			ctx,
			linear.Mul(svc.cfg.MaxLinearVelocity),
			angular.Mul(svc.cfg.MaxAngularVelocity),
			nil,
		)
	}
	return svc.base.SetPower(ctx, linear, angular, nil)
}

// ControllerInputs reports the controls the service monitors.
func (svc *teleopService) ControllerInputs() []input.Control {
	return []input.Control{
		input.AbsoluteX,
		input.AbsoluteY,
		input.AbsoluteRZ,
		input.ButtonWest,
		input.ButtonEast,
	}
}

// DoCommand reports the current planar command.
func (svc *teleopService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	current := svc.adapter.Advance()
	return map[string]interface{}{
		"v_x":     current.VX,
		"v_y":     current.VY,
		"omega_z": current.OmegaZ,
	}, nil
}

// Close stops the adapter and the push loop, then stops the base.
func (svc *teleopService) Close(ctx context.Context) error {
	svc.cancel()
	svc.adapter.Close()
	svc.activeBackgroundWorkers.Wait()
	return svc.base.Stop(ctx, nil)
}
