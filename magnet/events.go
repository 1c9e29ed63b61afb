package magnet

import "sync"

// Event is implemented by every notification a backend publishes.
type Event interface {
	event()
}

// CurrentSample is one measured current observation on a channel, emitted
// after each voltage step of an active ramp.
type CurrentSample struct {
	Channel int
	Amps    float64
}

// StatusChange announces a magnet power state transition.
type StatusChange struct {
	Status Status
}

// TaskChange announces that the backend moved to a new running task;
// TaskIdle marks completion of the previous one.
type TaskChange struct {
	Task Task
}

// FieldSetpointChange announces a new cached field setpoint, in the
// spherical coordinates it was supplied in.
type FieldSetpointChange struct {
	Magnitude, Theta, Phi float64
}

// DemagnetizationChange announces the demagnetization flag toggling.
type DemagnetizationChange struct {
	Enabled bool
}

func (CurrentSample) event()         {}
func (StatusChange) event()          {}
func (TaskChange) event()            {}
func (FieldSetpointChange) event()   {}
func (DemagnetizationChange) event() {}

// Bus fans events out to subscribers.  Publishing never blocks: a
// subscriber that stops draining its channel misses events rather than
// stalling a ramp task.  A nil *Bus drops everything, so library code can
// publish unconditionally.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving future events, buffered to depth
// buf.
func (b *Bus) Subscribe(buf int) <-chan Event {
	ch := make(chan Event, buf)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
