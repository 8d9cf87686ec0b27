// Package canbase implements a differential-drive base whose drive commands
// go out as CAN frames on a fixed publishing loop.
package canbase

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/canbus"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/sys/unix"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

// Model is the base's model triple.
var Model = resource.NewModel("teleop", "canbus", "differential")

const (
	defaultChannel      = "can0"
	defaultTrackWidthMm = 400.0
	defaultWheelRadiusMm = 77.0
	defaultMaxRPM        = 120.0

	// If no command arrives for this long the publish loop falls back to a
	// stop frame.
	defaultWatchdogMs = 1000

	publishIntervalMs = 10

	// CAN IDs.
	driveCmdID        uint32 = 0x220
	telemWheelSpeedID uint32 = 0x241
	telemBatteryID    uint32 = 0x251

	// Fixed-point scalars from the motor controller data sheet.
	rpmScalar     = 0.0078125
	brakeScalar   = 0.0625
	batteryScalar = 0.1

	telemSpeedRPM      = "speed_rpm"
	telemStateOfCharge = "state_of_charge"
)

// Gear bytes in the drive frame.
const (
	gearPark byte = iota
	gearDrive
	gearEmergencyStop
)

func init() {
	resource.RegisterComponent(
		base.API,
		Model,
		resource.Registration[base.Base, *Config]{Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			conf resource.Config,
			logger logging.Logger,
		) (base.Base, error) {
			return newBase(conf, logger)
		}})
}

// Config configures the CAN base.
type Config struct {
	Channel       string  `json:"channel,omitempty"`
	TrackWidthMm  float64 `json:"track_width_mm,omitempty"`
	WheelRadiusMm float64 `json:"wheel_radius_mm,omitempty"`
	MaxRPM        float64 `json:"max_rpm,omitempty"`
	WatchdogMs    int     `json:"watchdog_ms,omitempty"`
}

// Validate checks the config.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.TrackWidthMm < 0 || cfg.WheelRadiusMm < 0 || cfg.MaxRPM < 0 || cfg.WatchdogMs < 0 {
		return nil, errors.New("geometry, rpm and watchdog values must be non-negative")
	}
	return nil, nil
}

func (cfg *Config) withDefaults() *Config {
	out := *cfg
	if out.Channel == "" {
		out.Channel = defaultChannel
	}
	if out.TrackWidthMm == 0 {
		out.TrackWidthMm = defaultTrackWidthMm
	}
	if out.WheelRadiusMm == 0 {
		out.WheelRadiusMm = defaultWheelRadiusMm
	}
	if out.MaxRPM == 0 {
		out.MaxRPM = defaultMaxRPM
	}
	if out.WatchdogMs == 0 {
		out.WatchdogMs = defaultWatchdogMs
	}
	return &out
}

// driveCommand is one differential drive setpoint.
type driveCommand struct {
	LeftRPM  float64
	RightRPM float64
	Brake    float64
	Gear     byte
}

var stopCmd = driveCommand{Brake: 1, Gear: gearPark}

var emergencyCmd = driveCommand{Brake: 1, Gear: gearEmergencyStop}

// toFrame encodes the command into a drive frame: left and right wheel RPM
// as little-endian fixed point, then brake, gear, and a reserved byte.
func (cmd *driveCommand) toFrame() canbus.Frame {
	frame := canbus.Frame{
		ID:   driveCmdID,
		Data: make([]byte, 8),
		Kind: canbus.SFF,
	}
	binary.LittleEndian.PutUint16(frame.Data[0:2], uint16(int16(cmd.LeftRPM/rpmScalar)))
	binary.LittleEndian.PutUint16(frame.Data[2:4], uint16(int16(cmd.RightRPM/rpmScalar)))
	binary.LittleEndian.PutUint16(frame.Data[4:6], uint16(math.Abs(cmd.Brake)/brakeScalar))
	frame.Data[6] = cmd.Gear
	return frame
}

// decodeFixedPoint reads a little-endian signed 16-bit signal.
func decodeFixedPoint(data []byte, offset int, scalar float64) float64 {
	return float64(int16(binary.LittleEndian.Uint16(data[offset:offset+2]))) * scalar
}

type canBase struct {
	resource.Named

	cfg        *Config
	logger     logging.Logger
	geometries []spatialmath.Geometry

	wheelCircumferenceMm float64

	nextCommandCh chan canbus.Frame
	isMoving      atomic.Bool

	telemMu   sync.RWMutex
	telemetry map[string]interface{}

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// newBase opens the CAN sockets and starts the publish and receive loops.
func newBase(conf resource.Config, logger logging.Logger) (base.Base, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var geometries []spatialmath.Geometry
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	socketSend, err := canbus.New()
	if err != nil {
		return nil, err
	}
	if err := socketSend.Bind(cfg.Channel); err != nil {
		return nil, errors.Wrapf(err, "cannot bind tx socket to %q", cfg.Channel)
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, err
	}
	err = socketRecv.SetFilters([]unix.CanFilter{
		{Id: telemWheelSpeedID, Mask: unix.CAN_SFF_MASK},
		{Id: telemBatteryID, Mask: unix.CAN_SFF_MASK},
	})
	if err != nil {
		return nil, err
	}
	if err := socketRecv.Bind(cfg.Channel); err != nil {
		return nil, errors.Wrapf(err, "cannot bind rx socket to %q", cfg.Channel)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &canBase{
		Named:                conf.ResourceName().AsNamed(),
		cfg:                  cfg,
		logger:               logger,
		geometries:           geometries,
		wheelCircumferenceMm: 2 * math.Pi * cfg.WheelRadiusMm,
		nextCommandCh:        make(chan canbus.Frame),
		telemetry: map[string]interface{}{
			telemSpeedRPM:      math.NaN(),
			telemStateOfCharge: -1.0,
		},
		cancel: cancel,
	}

	b.activeBackgroundWorkers.Add(2)
	goutils.ManagedGo(func() {
		b.publishLoop(cancelCtx, socketSend)
	}, b.activeBackgroundWorkers.Done)
	goutils.ManagedGo(func() {
		b.receiveLoop(cancelCtx, socketRecv)
	}, b.activeBackgroundWorkers.Done)

	return b, nil
}

func (b *canBase) telemSet(key string, value interface{}) {
	b.telemMu.Lock()
	defer b.telemMu.Unlock()
	b.telemetry[key] = value
}

func (b *canBase) telemGetAll() map[string]interface{} {
	b.telemMu.RLock()
	defer b.telemMu.RUnlock()
	out := make(map[string]interface{}, len(b.telemetry))
	for k, v := range b.telemetry {
		out[k] = v
	}
	return out
}

// publishLoop re-sends the latest drive frame every cycle so the motor
// controller's own heartbeat requirement is met. A stale command trips the
// watchdog and the stop frame takes over.
func (b *canBase) publishLoop(ctx context.Context, socket *canbus.Socket) {
	defer func() {
		goutils.UncheckedError(socket.Close())
	}()

	watchdog := time.Duration(b.cfg.WatchdogMs) * time.Millisecond
	deadline := time.Now().Add(watchdog)
	driveFrame := (&stopCmd).toFrame()

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case frame := <-b.nextCommandCh:
			driveFrame = frame
			deadline = time.Now().Add(watchdog)
		case <-time.After(publishIntervalMs * time.Millisecond):
		}
		if time.Now().After(deadline) {
			driveFrame = (&emergencyCmd).toFrame()
		}
		if _, err := socket.Send(driveFrame); err != nil {
			b.logger.Errorw("drive command send error", "error", err)
		}
	}
}

// receiveLoop folds telemetry frames into the telemetry map.
func (b *canBase) receiveLoop(ctx context.Context, socket *canbus.Socket) {
	defer func() {
		goutils.UncheckedError(socket.Close())
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := socket.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Errorw("CAN rx error", "error", err)
			continue
		}

		switch frame.ID {
		case telemWheelSpeedID:
			left := decodeFixedPoint(frame.Data, 0, rpmScalar)
			right := decodeFixedPoint(frame.Data, 2, rpmScalar)
			speed := (math.Abs(left) + math.Abs(right)) / 2
			b.telemSet(telemSpeedRPM, speed)
			b.isMoving.Store(speed > 0)
		case telemBatteryID:
			b.telemSet(telemStateOfCharge, decodeFixedPoint(frame.Data, 0, batteryScalar))
		}
	}
}

func (b *canBase) setNextCommand(ctx context.Context, cmd *driveCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.nextCommandCh <- cmd.toFrame():
	}
	return nil
}

// wheelRPM converts a planar velocity (mm/s forward, deg/s yaw) into left
// and right wheel speeds.
func (b *canBase) wheelRPM(mmPerSec, degsPerSec float64) (left, right float64) {
	omega := degsPerSec * math.Pi / 180.0
	vLeft := mmPerSec - omega*b.cfg.TrackWidthMm/2
	vRight := mmPerSec + omega*b.cfg.TrackWidthMm/2
	left = vLeft * 60.0 / b.wheelCircumferenceMm
	right = vRight * 60.0 / b.wheelCircumferenceMm
	return left, right
}

func clampRPM(rpm, max float64) float64 {
	return math.Min(math.Max(rpm, -max), max)
}

// SetVelocity sets the linear (mm/s, +Y forward) and angular (deg/s, +Z
// counterclockwise) velocity.
func (b *canBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	if linear.X != 0 {
		b.logger.Warnw("lateral velocity has no effect on a differential base", "linear.X", linear.X)
	}

	left, right := b.wheelRPM(linear.Y, angular.Z)
	b.isMoving.Store(left != 0 || right != 0)
	return b.setNextCommand(ctx, &driveCommand{
		LeftRPM:  clampRPM(left, b.cfg.MaxRPM),
		RightRPM: clampRPM(right, b.cfg.MaxRPM),
		Gear:     gearDrive,
	})
}

// SetPower sets the drive power in [-1, 1], scaled by the configured max
// wheel speed.
func (b *canBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	left := clampRPM((linear.Y-angular.Z)*b.cfg.MaxRPM, b.cfg.MaxRPM)
	right := clampRPM((linear.Y+angular.Z)*b.cfg.MaxRPM, b.cfg.MaxRPM)
	b.isMoving.Store(left != 0 || right != 0)
	return b.setNextCommand(ctx, &driveCommand{
		LeftRPM:  left,
		RightRPM: right,
		Gear:     gearDrive,
	})
}

// MoveStraight moves the base the given distance at the given speed.
func (b *canBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if mmPerSec == 0 {
		return errors.New("mmPerSec must be non-zero")
	}
	speed := math.Abs(mmPerSec)
	if distanceMm < 0 {
		speed = -speed
	}

	if err := b.SetVelocity(ctx, r3.Vector{Y: speed}, r3.Vector{}, extra); err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(b.Stop(ctx, nil))
	}()

	duration := time.Duration(float64(time.Second) * math.Abs(float64(distanceMm)) / math.Abs(mmPerSec))
	if !goutils.SelectContextOrWait(ctx, duration) {
		return ctx.Err()
	}
	return nil
}

// Spin rotates the base in place by the given angle at the given rate.
func (b *canBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if degsPerSec == 0 {
		return errors.New("degsPerSec must be non-zero")
	}
	rate := math.Abs(degsPerSec)
	if angleDeg < 0 {
		rate = -rate
	}

	if err := b.SetVelocity(ctx, r3.Vector{}, r3.Vector{Z: rate}, extra); err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(b.Stop(ctx, nil))
	}()

	duration := time.Duration(float64(time.Second) * math.Abs(angleDeg) / math.Abs(degsPerSec))
	if !goutils.SelectContextOrWait(ctx, duration) {
		return ctx.Err()
	}
	return nil
}

// Stop brakes the base. It is assumed the base stops immediately.
func (b *canBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.isMoving.Store(false)
	cmd := stopCmd
	return b.setNextCommand(ctx, &cmd)
}

func (b *canBase) IsMoving(ctx context.Context) (bool, error) {
	return b.isMoving.Load(), nil
}

func (b *canBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              b.cfg.TrackWidthMm / 1000.0,
		WheelCircumferenceMeters: b.wheelCircumferenceMm / 1000.0,
	}, nil
}

func (b *canBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

func (b *canBase) Reconfigure(context.Context, resource.Dependencies, resource.Config) error {
	return nil
}

// DoCommand handles commands beyond the Base interface.
func (b *canBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "get_telemetry":
		return b.telemGetAll(), nil
	case "emergency_stop":
		b.isMoving.Store(false)
		cmd := emergencyCmd
		if err := b.setNextCommand(ctx, &cmd); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "emergency_stop command processed"}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

// Close stops the base and shuts the CAN loops down.
func (b *canBase) Close(ctx context.Context) error {
	goutils.UncheckedError(b.Stop(ctx, nil))
	b.cancel()
	b.activeBackgroundWorkers.Wait()
	return nil
}
