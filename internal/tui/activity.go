package tui

import (
	"strings"
	"time"
)

// heartbeat alternates frames once per second so a frozen gateway is
// visible at a glance: the glyph stops turning.
type heartbeat struct {
	frames []string
	index  int
}

func newHeartbeat() heartbeat {
	return heartbeat{frames: []string{"⟲", "⟳"}}
}

func (h *heartbeat) tick() {
	h.index = (h.index + 1) % len(h.frames)
}

func (h heartbeat) current() string {
	return h.frames[h.index]
}

// pulse lights five dots on each event and lets them fade as the stream
// goes quiet.
type pulse struct {
	dots      int
	lastEvent time.Time
}

func (p *pulse) onEvent() {
	p.dots = 5
	p.lastEvent = time.Now()
}

func (p *pulse) decay() {
	if p.dots == 0 {
		return
	}
	elapsed := time.Since(p.lastEvent)
	switch {
	case elapsed > 10*time.Second:
		p.dots = 0
	case elapsed > 8*time.Second:
		p.dots = 1
	case elapsed > 6*time.Second:
		p.dots = 2
	case elapsed > 4*time.Second:
		p.dots = 3
	case elapsed > 2*time.Second:
		p.dots = 4
	}
}

func (p pulse) render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < p.dots {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
