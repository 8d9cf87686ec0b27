package canbase

import (
	"math"
	"testing"

	"github.com/go-daq/canbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriveCommandToFrame(t *testing.T) {
	cmd := driveCommand{LeftRPM: 1, RightRPM: -1, Brake: 1, Gear: gearDrive}
	frame := (&cmd).toFrame()

	assert.Equal(t, driveCmdID, frame.ID)
	assert.Equal(t, canbus.SFF, frame.Kind)
	require.Len(t, frame.Data, 8)

	// 1 rpm = 128 counts at the 0.0078125 scalar, little endian.
	assert.Equal(t, []byte{0x80, 0x00}, frame.Data[0:2])
	assert.Equal(t, []byte{0x80, 0xFF}, frame.Data[2:4])
	// Full brake = 16 counts at the 0.0625 scalar.
	assert.Equal(t, []byte{0x10, 0x00}, frame.Data[4:6])
	assert.Equal(t, gearDrive, frame.Data[6])
}

func TestStopAndEmergencyFrames(t *testing.T) {
	frame := (&stopCmd).toFrame()
	assert.Equal(t, []byte{0, 0, 0, 0}, frame.Data[0:4])
	assert.Equal(t, gearPark, frame.Data[6])

	frame = (&emergencyCmd).toFrame()
	assert.Equal(t, gearEmergencyStop, frame.Data[6])
}

func TestDecodeFixedPoint(t *testing.T) {
	cmd := driveCommand{LeftRPM: 42.5, RightRPM: -17.25}
	frame := (&cmd).toFrame()

	assert.InDelta(t, 42.5, decodeFixedPoint(frame.Data, 0, rpmScalar), rpmScalar)
	assert.InDelta(t, -17.25, decodeFixedPoint(frame.Data, 2, rpmScalar), rpmScalar)

	// Battery frames carry tenths.
	assert.InDelta(t, 87.3, decodeFixedPoint([]byte{0x69, 0x03}, 0, batteryScalar), 1e-9)
}

func testBase() *canBase {
	cfg := (&Config{}).withDefaults()
	return &canBase{
		cfg:                  cfg,
		wheelCircumferenceMm: 2 * math.Pi * cfg.WheelRadiusMm,
	}
}

func TestWheelRPMStraight(t *testing.T) {
	b := testBase()

	left, right := b.wheelRPM(100, 0)
	assert.Equal(t, left, right)
	assert.InDelta(t, 100*60/b.wheelCircumferenceMm, left, 1e-9)

	left, right = b.wheelRPM(-100, 0)
	assert.Equal(t, left, right)
	assert.Negative(t, left)
}

func TestWheelRPMSpinInPlace(t *testing.T) {
	b := testBase()

	// Counterclockwise: left wheel backward, right wheel forward.
	left, right := b.wheelRPM(0, 90)
	assert.InDelta(t, -left, right, 1e-9)
	assert.Negative(t, left)
	assert.Positive(t, right)

	want := (math.Pi / 2) * (b.cfg.TrackWidthMm / 2) * 60 / b.wheelCircumferenceMm
	assert.InDelta(t, want, right, 1e-9)
}

func TestWheelRPMArc(t *testing.T) {
	b := testBase()

	left, right := b.wheelRPM(100, 45)
	assert.Greater(t, right, left)
	// The average of the wheels recovers the forward speed.
	assert.InDelta(t, 100*60/b.wheelCircumferenceMm, (left+right)/2, 1e-9)
}

func TestClampRPM(t *testing.T) {
	assert.Equal(t, 120.0, clampRPM(500, 120))
	assert.Equal(t, -120.0, clampRPM(-500, 120))
	assert.Equal(t, 60.0, clampRPM(60, 120))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, defaultChannel, cfg.Channel)
	assert.Equal(t, defaultTrackWidthMm, cfg.TrackWidthMm)
	assert.Equal(t, defaultWheelRadiusMm, cfg.WheelRadiusMm)
	assert.Equal(t, defaultMaxRPM, cfg.MaxRPM)
	assert.Equal(t, defaultWatchdogMs, cfg.WatchdogMs)

	cfg = (&Config{Channel: "can1", MaxRPM: 90}).withDefaults()
	assert.Equal(t, "can1", cfg.Channel)
	assert.Equal(t, 90.0, cfg.MaxRPM)
	assert.Equal(t, defaultTrackWidthMm, cfg.TrackWidthMm)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.Validate("components.0")
	assert.NoError(t, err)

	cfg = &Config{TrackWidthMm: -1}
	_, err = cfg.Validate("components.0")
	assert.Error(t, err)

	cfg = &Config{WatchdogMs: -5}
	_, err = cfg.Validate("components.0")
	assert.Error(t, err)
}
