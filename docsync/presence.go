package docsync

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ephemeral, non authoritative state of one remote participant.
// Keyed by identity; last write wins by receipt order.
type Participant struct {
	Identity   string
	Name       string
	Color      string
	Cursor     *CursorRange
	LastSeenAt time.Time
}

type PresenceTrackerSettings struct {
	// participants not seen within the ttl are evicted on snapshot
	Ttl time.Duration
}

func DefaultPresenceTrackerSettings() *PresenceTrackerSettings {
	return &PresenceTrackerSettings{
		Ttl: 5 * time.Minute,
	}
}

// maintains the time bounded map of remote participants. The
// subscription window at connect time bounds how far back presence is
// ingested; the ttl bounds how long a silent participant stays
// visible in a long lived session.
type PresenceTracker struct {
	clk      clock.Clock
	settings *PresenceTrackerSettings

	mutex        sync.Mutex
	participants map[string]*Participant
	// insertion order
	order []string
}

func NewPresenceTracker(clk clock.Clock, settings *PresenceTrackerSettings) *PresenceTracker {
	return &PresenceTracker{
		clk:          clk,
		settings:     settings,
		participants: map[string]*Participant{},
	}
}

// upserts by identity. A missing color is derived deterministically
// from the identity so every peer renders the same participant the
// same way.
func (self *PresenceTracker) Ingest(identity string, content *PresenceContent, receivedAt time.Time) {
	color := content.Color
	if color == "" {
		color = DeriveColor(identity)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	participant, ok := self.participants[identity]
	if !ok {
		participant = &Participant{
			Identity: identity,
		}
		self.participants[identity] = participant
		self.order = append(self.order, identity)
	}
	participant.Name = content.Name
	participant.Color = color
	participant.Cursor = content.Cursor
	participant.LastSeenAt = receivedAt
}

// current participants in insertion order. Stale entries are evicted
// here rather than by a background sweep.
func (self *PresenceTracker) Snapshot() []*Participant {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	staleTime := self.clk.Now().Add(-self.settings.Ttl)

	nextOrder := []string{}
	participants := []*Participant{}
	for _, identity := range self.order {
		participant := self.participants[identity]
		if participant.LastSeenAt.Before(staleTime) {
			delete(self.participants, identity)
			continue
		}
		nextOrder = append(nextOrder, identity)
		participantCopy := *participant
		participants = append(participants, &participantCopy)
	}
	self.order = nextOrder

	return participants
}

// stable hash of the identity to a hue, with fixed saturation and
// lightness
func DeriveColor(identity string) string {
	h := fnv.New32a()
	h.Write([]byte(identity))
	hue := float64(h.Sum32() % 360)
	r, g, b := hslToRgb(hue, 0.70, 0.45)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hslToRgb(hue float64, saturation float64, lightness float64) (uint8, uint8, uint8) {
	c := (1 - math.Abs(2*lightness-1)) * saturation
	x := c * (1 - math.Abs(math.Mod(hue/60, 2)-1))
	m := lightness - c/2

	var r, g, b float64
	switch {
	case hue < 60:
		r, g, b = c, x, 0
	case hue < 120:
		r, g, b = x, c, 0
	case hue < 180:
		r, g, b = 0, c, x
	case hue < 240:
		r, g, b = 0, x, c
	case hue < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255)
}
