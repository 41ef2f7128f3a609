package main

import (
	"sync"
	"time"

	"github.com/loggo/loggo"
)

var displayLogger = loggo.GetLogger("display")

// Display renders the two-line device screen. The state machine owns when
// and what to show; implementations own how.
type Display interface {
	Show(line1, line2 string, hold time.Duration)
	SetIdle(message string)
}

// screenWidth is the simulated LCD line width.
const screenWidth = 20

// simDisplay is the simulated panel: it logs every update, remembers the
// current content for the status endpoint and mirrors updates to the
// websocket hub when one is attached.
type simDisplay struct {
	mu    sync.Mutex
	line1 string
	line2 string
	idle  string
	hub   *wsHub
}

func newSimDisplay(hub *wsHub) *simDisplay {
	return &simDisplay{hub: hub}
}

func (d *simDisplay) Show(line1, line2 string, hold time.Duration) {
	line1 = fitScreen(transliterate(line1))
	line2 = fitScreen(transliterate(line2))
	d.mu.Lock()
	d.line1, d.line2 = line1, line2
	d.mu.Unlock()
	displayLogger.Infof("[%-20s|%-20s] hold %v", line1, line2, hold)
	if d.hub != nil {
		d.hub.broadcast <- UIMessage{Type: "DISPLAY", Line1: line1, Line2: line2, Hold: int(hold / time.Second)}
	}
}

func (d *simDisplay) SetIdle(message string) {
	message = fitScreen(transliterate(message))
	d.mu.Lock()
	d.idle = message
	d.line1, d.line2 = message, ""
	d.mu.Unlock()
	displayLogger.Infof("[%-20s|%-20s] idle", message, "")
	if d.hub != nil {
		d.hub.broadcast <- UIMessage{Type: "DISPLAY", Line1: message, Idle: true}
	}
}

// Lines returns the current screen content.
func (d *simDisplay) Lines() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.line1, d.line2
}

func fitScreen(s string) string {
	if len(s) > 2*screenWidth {
		return s[:2*screenWidth]
	}
	return s
}
