package ui

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"
)

const (
	refreshInterval = 2 * time.Second
	stopTimeout     = 15 * time.Second
)

// Controller is the capture service as seen from the tray menu.
type Controller interface {
	StatusLine() string
	Recording() bool
	StopCapture(ctx context.Context) error
}

type Tray struct {
	ctrl   Controller
	logger *slog.Logger

	statusItem *systray.MenuItem
	stopItem   *systray.MenuItem

	mu       sync.Mutex
	lastLine string
	done     chan struct{}
	quitOnce sync.Once

	onQuit func()
}

type TrayConfig struct {
	Controller Controller
	Logger     *slog.Logger
	OnQuit     func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		ctrl:   cfg.Controller,
		logger: cfg.Logger,
		onQuit: cfg.OnQuit,
		done:   make(chan struct{}),
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("VideoDB")
	systray.SetTooltip("VideoDB Capture Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current capture status")
	t.statusItem.Disable()

	systray.AddSeparator()

	t.stopItem = systray.AddMenuItem("Stop Capture", "Stop the active capture session")
	t.stopItem.Disable()

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit VideoDB Capture Agent")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-t.stopItem.ClickedCh:
				t.handleStop()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				t.Quit()
				return
			case <-t.done:
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	t.refresh()
	for {
		select {
		case <-ticker.C:
			t.refresh()
		case <-t.done:
			return
		}
	}
}

func (t *Tray) refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	line := t.ctrl.StatusLine()
	if line != t.lastLine {
		t.statusItem.SetTitle("Status: " + line)
		t.lastLine = line
	}
	if t.ctrl.Recording() {
		t.stopItem.Enable()
	} else {
		t.stopItem.Disable()
	}
}

func (t *Tray) handleStop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := t.ctrl.StopCapture(ctx); err != nil {
		t.logger.Error("failed to stop capture from tray", "error", err)
	}
	t.refresh()
}

// Quit ends the tray event loop. It is safe to call more than once.
func (t *Tray) Quit() {
	t.quitOnce.Do(func() {
		close(t.done)
		systray.Quit()
	})
}
