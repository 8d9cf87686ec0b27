// Package spacemouse reads 3Dconnexion SpaceMouse motion and button state
// from the Linux input event layer.
package spacemouse

// Button indices into State.Buttons.
const (
	ButtonLeft = iota
	ButtonRight
	numButtons
)

// Axis indices into State.Axes, ordered as a twist: linear velocity first,
// angular velocity second.
const (
	AxisVX = iota
	AxisVY
	AxisVZ
	AxisWX
	AxisWY
	AxisWZ
	numAxes
)

// State is a snapshot of the device. Axes are normalized to [-1, 1].
type State struct {
	Buttons   [numButtons]bool
	Axes      [numAxes]float64
	Connected bool
}

// Device is a source of SpaceMouse state snapshots.
type Device interface {
	State() State
	Close() error
}
