package spacemouse

import "sync"

// Fake is a scripted Device for tests.
type Fake struct {
	mu    sync.Mutex
	state State
}

// NewFake returns a connected Fake at rest.
func NewFake() *Fake {
	return &Fake{state: State{Connected: true}}
}

// SetAxes replaces the axis snapshot.
func (f *Fake) SetAxes(axes [6]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Axes = axes
}

// SetButton presses or releases the given button.
func (f *Fake) SetButton(button int, pressed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Buttons[button] = pressed
}

// Disconnect simulates an unplug.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = State{}
}

func (f *Fake) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Close() error {
	return nil
}
