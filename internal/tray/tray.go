package tray

import (
	"context"
	"fmt"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/rs/zerolog"
)

// Controller is the part of the app the tray drives.
type Controller interface {
	Toggle() error
	IsCapturing() bool
	Diagnostics() string
}

type UI struct {
	app     Controller
	version string
	commit  string
	log     zerolog.Logger

	// copyText is swapped in tests.
	copyText func(string) error
	setTitle func(string)

	mu     sync.Mutex
	status string
	ready  bool

	// Menu items
	mStartStop *systray.MenuItem
	mStatus    *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetCapturing() {
	u.updateStatus("capturing")
}

func (u *UI) SetLost() {
	u.updateStatus("lost")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(version, commit string, log zerolog.Logger) *UI {
	return &UI{
		version:  version,
		commit:   commit,
		log:      log.With().Str("component", "tray").Logger(),
		copyText: clipboard.WriteAll,
		setTitle: systray.SetTitle,
		status:   "idle",
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application Controller) {
	u.app = application
}

// Run blocks on the tray event loop until Quit is chosen or ctx is done.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	u.mu.Lock()
	u.ready = true
	status := u.status
	u.mu.Unlock()

	u.updateStatus(status)
	systray.SetTooltip("Microphone capture bridge")

	u.mStartStop = systray.AddMenuItem(startStopTitle(u.app.IsCapturing()), "Start or stop capture")
	u.mStatus = systray.AddMenuItem(statusLabel(status), "")
	u.mStatus.Disable()
	systray.AddSeparator()

	mDiag := systray.AddMenuItem("Copy Diagnostics", "Copy capture statistics to the clipboard")
	mAbout := systray.AddMenuItem("About", "About micbridge")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	// Event loop
	go u.handleEvents(mDiag, mAbout, mQuit)
}

func (u *UI) handleEvents(mDiag, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			u.toggle()
		case <-mDiag.ClickedCh:
			u.copyDiagnostics()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) toggle() {
	if err := u.app.Toggle(); err != nil {
		u.log.Error().Err(err).Msg("Failed to toggle capture")
	}
	if u.mStartStop != nil {
		u.mStartStop.SetTitle(startStopTitle(u.app.IsCapturing()))
	}
}

func (u *UI) copyDiagnostics() {
	text := fmt.Sprintf("micbridge %s (%s)\n%s", u.version, u.commit, u.app.Diagnostics())
	if err := u.copyText(text); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy diagnostics")
		return
	}
	u.log.Info().Msg("Copied diagnostics to clipboard")
}

func (u *UI) showAbout() {
	fmt.Printf("micbridge %s (%s)\nMicrophone capture bridge\n", u.version, u.commit)
}

func (u *UI) onExit() {
	u.mu.Lock()
	u.ready = false
	u.mu.Unlock()
}

// updateStatus sets the tray title with microphone emoji and status indicator
func (u *UI) updateStatus(status string) {
	u.mu.Lock()
	u.status = status
	ready := u.ready
	u.mu.Unlock()

	// systray calls before onReady are dropped by the platform layer.
	if !ready {
		return
	}
	u.setTitle(fmt.Sprintf("🎤 %s", emojiForStatus(status)))
	if u.mStatus != nil {
		u.mStatus.SetTitle(statusLabel(status))
	}
}

// Status returns the last status reported by the app.
func (u *UI) Status() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func startStopTitle(capturing bool) string {
	if capturing {
		return "Stop Capture"
	}
	return "Start Capture"
}

func statusLabel(status string) string {
	switch status {
	case "capturing":
		return "Status: Capturing"
	case "lost":
		return "Status: Device lost, retrying"
	case "error":
		return "Status: Error"
	default:
		return "Status: Idle"
	}
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "capturing":
		return "🔴" // Red - live capture
	case "lost":
		return "🟡" // Yellow - waiting for the device to return
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}
