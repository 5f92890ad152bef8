package realtime

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Participant is the live presence of one connection.
type Participant struct {
	ConnID      string
	UserID      string
	DisplayName string
	Color       string

	CursorX   float64
	CursorY   float64
	HasCursor bool
	Typing    bool

	ConnectedAt time.Time
}

// Presence tracks who is connected, their color, cursor and typing flag.
// Owned by the relay loop; not safe for concurrent use.
type Presence struct {
	byConn map[string]*Participant
	now    func() time.Time
}

// NewPresence returns an empty tracker.
func NewPresence() *Presence {
	return &Presence{
		byConn: make(map[string]*Participant),
		now:    time.Now,
	}
}

// Connect registers connID (idempotent) and returns its participant.
func (p *Presence) Connect(connID, userID, displayName string) Participant {
	if pt, ok := p.byConn[connID]; ok {
		return *pt
	}
	pt := &Participant{
		ConnID:      connID,
		UserID:      userID,
		DisplayName: defaultDisplayName(connID, displayName),
		Color:       ColorFor(connID),
		ConnectedAt: p.now().UTC(),
	}
	p.byConn[connID] = pt
	return *pt
}

// Rename replaces the display name. An empty name is ignored.
func (p *Presence) Rename(connID, displayName string) (Participant, bool) {
	pt, ok := p.byConn[connID]
	if !ok {
		return Participant{}, false
	}
	if name := cleanDisplayName(displayName); name != "" {
		pt.DisplayName = name
	}
	return *pt, true
}

// SetUser binds a verified user id to the connection.
func (p *Presence) SetUser(connID, userID string) {
	if pt, ok := p.byConn[connID]; ok && userID != "" {
		pt.UserID = userID
	}
}

// SetCursor overwrites the cursor position.
func (p *Presence) SetCursor(connID string, x, y float64) (Participant, bool) {
	pt, ok := p.byConn[connID]
	if !ok {
		return Participant{}, false
	}
	pt.CursorX, pt.CursorY, pt.HasCursor = x, y, true
	return *pt, true
}

// TypingStarted sets the typing flag and reports whether it changed.
func (p *Presence) TypingStarted(connID string) bool {
	pt, ok := p.byConn[connID]
	if !ok || pt.Typing {
		return false
	}
	pt.Typing = true
	return true
}

// TypingStopped clears the typing flag and reports whether it changed.
func (p *Presence) TypingStopped(connID string) bool {
	pt, ok := p.byConn[connID]
	if !ok || !pt.Typing {
		return false
	}
	pt.Typing = false
	return true
}

// ResetTransient forgets cursor and typing state, e.g. when the connection changes session.
func (p *Presence) ResetTransient(connID string) {
	if pt, ok := p.byConn[connID]; ok {
		pt.HasCursor, pt.CursorX, pt.CursorY = false, 0, 0
		pt.Typing = false
	}
}

// Remove purges the connection and returns what was known about it.
func (p *Presence) Remove(connID string) (Participant, bool) {
	pt, ok := p.byConn[connID]
	if !ok {
		return Participant{}, false
	}
	delete(p.byConn, connID)
	return *pt, true
}

// Get returns the participant for connID.
func (p *Presence) Get(connID string) (Participant, bool) {
	pt, ok := p.byConn[connID]
	if !ok {
		return Participant{}, false
	}
	return *pt, true
}

// Len returns the number of connected participants.
func (p *Presence) Len() int { return len(p.byConn) }

// List returns the participants for connIDs in the given order, skipping unknown ids.
func (p *Presence) List(connIDs []string) []Participant {
	out := make([]Participant, 0, len(connIDs))
	for _, id := range connIDs {
		if pt, ok := p.byConn[id]; ok {
			out = append(out, *pt)
		}
	}
	return out
}

// All returns every participant ordered by connection time, then id.
func (p *Presence) All() []Participant {
	out := make([]Participant, 0, len(p.byConn))
	for _, pt := range p.byConn {
		out = append(out, *pt)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}

// ColorFor derives a stable cursor color from a connection id.
// Distinct ids may collide; the color is cosmetic.
func ColorFor(connID string) string {
	h := xxhash.Sum64String(connID)
	hue := float64(h % 360)
	// Vary lightness a little so neighbouring hues stay distinguishable.
	light := 0.42 + float64((h>>16)%12)/100
	r, g, b := hslToRGB(hue, 0.70, light)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	c := (1 - math.Abs(2*l-1)) * s
	hp := h / 60
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))

	var r, g, b float64
	switch {
	case hp < 1:
		r, g, b = c, x, 0
	case hp < 2:
		r, g, b = x, c, 0
	case hp < 3:
		r, g, b = 0, c, x
	case hp < 4:
		r, g, b = 0, x, c
	case hp < 5:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	m := l - c/2
	return to8(r + m), to8(g + m), to8(b + m)
}

func to8(v float64) uint8 {
	v = math.Round(v * 255)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

const maxDisplayNameRunes = 64

func cleanDisplayName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) > maxDisplayNameRunes {
		r = r[:maxDisplayNameRunes]
	}
	return string(r)
}

func defaultDisplayName(connID, displayName string) string {
	if name := cleanDisplayName(displayName); name != "" {
		return name
	}
	suffix := connID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "Guest-" + suffix
}
