package tunnel

import (
	"errors"
	"sync"
	"time"

	"github.com/muxgate/muxgate/internal/protocol"
)

var (
	ErrChannelExists    = errors.New("channel id already in use")
	ErrChannelQuiescent = errors.New("channel id in quiescence")
)

// Dispatcher maintains the channelID → inbox-channel route table for one
// session. The session read loop uses it to route inbound messages to the
// correct per-channel goroutine.
//
// A retired id stays unusable for the quiescence delay so frames still in
// flight for the old channel cannot leak into a new one reusing the id.
type Dispatcher struct {
	quiescence time.Duration

	mu      sync.Mutex
	routes  map[uint32]chan *protocol.Message
	retired map[uint32]time.Time
}

// NewDispatcher creates an empty dispatcher with the given id quiescence
// delay.
func NewDispatcher(quiescence time.Duration) *Dispatcher {
	return &Dispatcher{
		quiescence: quiescence,
		routes:     make(map[uint32]chan *protocol.Message),
		retired:    make(map[uint32]time.Time),
	}
}

// Register creates a buffered inbox channel for the given channelID and
// stores it in the route table. It fails when the id is live or was
// retired less than the quiescence delay ago.
func (d *Dispatcher) Register(id uint32) (<-chan *protocol.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, live := d.routes[id]; live {
		return nil, ErrChannelExists
	}
	d.sweepRetiredLocked(time.Now())
	if _, ok := d.retired[id]; ok {
		return nil, ErrChannelQuiescent
	}

	ch := make(chan *protocol.Message, inboxBufferSize)
	d.routes[id] = ch
	return ch, nil
}

// Route looks up the inbox channel for a channelID.
func (d *Dispatcher) Route(id uint32) (chan *protocol.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.routes[id]
	return ch, ok
}

// Retire removes the channelID from the route table and starts its
// quiescence window. The inbox channel is NOT closed — the handler
// goroutine exits via its context.
func (d *Dispatcher) Retire(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.routes[id]; !ok {
		return
	}
	delete(d.routes, id)
	now := time.Now()
	d.sweepRetiredLocked(now)
	d.retired[id] = now
}

// sweepRetiredLocked drops retired entries whose quiescence window has
// passed so the map stays bounded on long-lived sessions. Caller holds
// d.mu.
func (d *Dispatcher) sweepRetiredLocked(now time.Time) {
	for id, at := range d.retired {
		if now.Sub(at) >= d.quiescence {
			delete(d.retired, id)
		}
	}
}

// Len reports the number of live channels.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.routes)
}
