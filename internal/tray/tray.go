// Package tray provides a system tray menu mirroring the capture controls.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/ppecheck/internal/sequencer"
)

// Tray represents the system tray application.
type Tray struct {
	onStart  func()
	onStop   func()
	onRetake func()
	onOpen   func()
	onQuit   func()
	mu       sync.RWMutex

	last  sequencer.Snapshot
	ready bool

	// Menu items stored for later updates
	menuStatus *systray.MenuItem
	menuStart  *systray.MenuItem
	menuStop   *systray.MenuItem
	menuRetake *systray.MenuItem
}

// New creates a new Tray instance.
func New() *Tray {
	return &Tray{}
}

// OnStart sets the callback for the Capture menu item.
func (t *Tray) OnStart(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStart = fn
}

// OnStop sets the callback for the Stop menu item.
func (t *Tray) OnStop(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStop = fn
}

// OnRetake sets the callback for the Retake menu item.
func (t *Tray) OnRetake(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRetake = fn
}

// OnOpen sets the callback for the Open UI menu item.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnQuit sets the callback for the Quit menu item.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit stops the tray loop.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("PPE")
	systray.SetTooltip("ppecheck - PPE compliance capture")

	t.mu.Lock()
	t.menuStatus = systray.AddMenuItem(StatusText(t.last), "Capture status")
	t.menuStatus.Disable()
	systray.AddSeparator()

	t.menuStart = systray.AddMenuItem("Capture", "Start camera or begin countdown")
	t.menuStop = systray.AddMenuItem("Stop", "Stop camera")
	t.menuRetake = systray.AddMenuItem("Retake", "Discard the captured photo")
	systray.AddSeparator()

	menuOpen := systray.AddMenuItem("Open UI...", "Open the web interface")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit ppecheck")
	t.ready = true
	t.applyLocked()
	t.mu.Unlock()

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuStart.ClickedCh:
				t.call(func() func() { return t.onStart })
			case <-t.menuStop.ClickedCh:
				t.call(func() func() { return t.onStop })
			case <-t.menuRetake.ClickedCh:
				t.call(func() func() { return t.onRetake })
			case <-menuOpen.ClickedCh:
				t.call(func() func() { return t.onOpen })
			case <-menuQuit.ClickedCh:
				t.call(func() func() { return t.onQuit })
				systray.Quit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

// call runs the selected callback outside the lock.
func (t *Tray) call(pick func() func()) {
	t.mu.RLock()
	callback := pick()
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// SetStatus updates the menu from a sequencer snapshot.
func (t *Tray) SetStatus(snap sequencer.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = snap
	if t.ready {
		t.applyLocked()
	}
}

func (t *Tray) applyLocked() {
	t.menuStatus.SetTitle(StatusText(t.last))

	c := ControlsFor(t.last)
	setEnabled(t.menuStart, c.Start)
	setEnabled(t.menuStop, c.Stop)
	setEnabled(t.menuRetake, c.Retake)
}

func setEnabled(item *systray.MenuItem, enabled bool) {
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

// Controls says which user actions have an effect in a snapshot's state.
type Controls struct {
	Start  bool
	Stop   bool
	Retake bool
}

// ControlsFor returns the actions that change state from snap.
func ControlsFor(snap sequencer.Snapshot) Controls {
	switch snap.State {
	case sequencer.Idle:
		return Controls{
			Start:  !snap.Acquiring,
			Stop:   snap.Acquiring,
			Retake: !snap.Acquiring && snap.Frame != nil,
		}
	case sequencer.Live:
		return Controls{Start: true, Stop: true}
	case sequencer.CountingDown:
		return Controls{Stop: true}
	case sequencer.Captured:
		return Controls{Start: true, Stop: snap.CameraActive, Retake: true}
	default:
		return Controls{}
	}
}

// StatusText renders a one-line summary of snap for the menu.
func StatusText(snap sequencer.Snapshot) string {
	switch snap.State {
	case sequencer.Idle:
		if snap.Acquiring {
			return "Opening camera..."
		}
		if snap.Frame != nil {
			return capturedText(snap)
		}
		if snap.Error != "" {
			return "Error: " + snap.Error
		}
		return "Camera off"
	case sequencer.Live:
		return "Camera live"
	case sequencer.CountingDown:
		return fmt.Sprintf("Capturing in %d...", snap.Remaining)
	case sequencer.Captured:
		return capturedText(snap)
	default:
		return snap.State.String()
	}
}

func capturedText(snap sequencer.Snapshot) string {
	if snap.Pending {
		return "Checking PPE..."
	}
	r := snap.Result
	if r == nil || r.Empty() {
		if snap.Error != "" {
			return "Detection unavailable"
		}
		return "Captured"
	}
	if r.Compliant() {
		return "Compliant"
	}
	switch v := r.Violations(); len(v) {
	case 0:
		return "Captured"
	case 1:
		return "Violation: " + v[0].Class
	default:
		return fmt.Sprintf("%d violations", len(v))
	}
}
