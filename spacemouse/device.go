package spacemouse

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/viamrobotics/evdev"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
)

// Known 3Dconnexion vendor IDs. Older pucks enumerate under the Logitech ID.
var vendorIDs = map[uint16]bool{
	0x256f: true,
	0x046d: true,
}

// Full deflection of the puck on every axis, per the 3Dconnexion HID reports.
const axisRange = 350.0

var relAxes = map[evdev.RelativeType]int{
	0: AxisVX, // REL_X
	1: AxisVY, // REL_Y
	2: AxisVZ, // REL_Z
	3: AxisWX, // REL_RX
	4: AxisWY, // REL_RY
	5: AxisWZ, // REL_RZ
}

var keyButtons = map[evdev.KeyType]int{
	256: ButtonLeft,  // BTN_0
	257: ButtonRight, // BTN_1
}

type evdevDevice struct {
	path   string
	dev    *evdev.Evdev
	logger logging.Logger

	mu    sync.RWMutex
	state State

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// Open opens the SpaceMouse at the given event device path and starts
// tracking its state.
func Open(ctx context.Context, path string, logger logging.Logger) (Device, error) {
	dev, err := evdev.OpenFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open spacemouse at %q", path)
	}
	if !vendorIDs[dev.ID().Vendor] {
		goutils.UncheckedError(dev.Close())
		return nil, errors.Errorf("device at %q is not a 3Dconnexion spacemouse (vendor 0x%04x)",
			path, dev.ID().Vendor)
	}
	return newEvdevDevice(path, dev, logger), nil
}

// Find scans /dev/input for the first attached SpaceMouse and opens it.
func Find(ctx context.Context, logger logging.Logger) (Device, error) {
	paths, err := filepath.Glob("/dev/input/event*")
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		dev, err := evdev.OpenFile(path)
		if err != nil {
			continue
		}
		if !vendorIDs[dev.ID().Vendor] {
			goutils.UncheckedError(dev.Close())
			continue
		}
		logger.Infow("found spacemouse", "path", path, "name", dev.Name())
		return newEvdevDevice(path, dev, logger), nil
	}
	return nil, errors.New("no spacemouse attached")
}

func newEvdevDevice(path string, dev *evdev.Evdev, logger logging.Logger) *evdevDevice {
	cancelCtx, cancel := context.WithCancel(context.Background())
	d := &evdevDevice{
		path:   path,
		dev:    dev,
		logger: logger,
		cancel: cancel,
	}
	d.state.Connected = true

	d.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		d.readLoop(cancelCtx)
	}, d.activeBackgroundWorkers.Done)

	return d
}

func (d *evdevDevice) readLoop(ctx context.Context) {
	evChan := d.dev.Poll(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case env := <-evChan:
			if env == nil {
				// Unplugged. Zero everything so a stale twist cannot keep
				// driving a robot.
				d.mu.Lock()
				d.state = State{}
				d.mu.Unlock()
				d.logger.Warnw("spacemouse disconnected", "path", d.path)
				return
			}
			d.processEvent(env.Event)
		}
	}
}

func (d *evdevDevice) processEvent(ev evdev.Event) {
	switch ev.Type {
	case evdev.EventRelative:
		idx, ok := relAxes[evdev.RelativeType(ev.Code)]
		if !ok {
			return
		}
		d.mu.Lock()
		d.state.Axes[idx] = clampAxis(float64(ev.Value) / axisRange)
		d.mu.Unlock()
	case evdev.EventKey:
		idx, ok := keyButtons[evdev.KeyType(ev.Code)]
		if !ok {
			return
		}
		d.mu.Lock()
		d.state.Buttons[idx] = ev.Value != 0
		d.mu.Unlock()
	}
}

func clampAxis(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func (d *evdevDevice) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Close stops the reader and releases the event device.
func (d *evdevDevice) Close() error {
	d.cancel()
	d.activeBackgroundWorkers.Wait()
	return d.dev.Close()
}
