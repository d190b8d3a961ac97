// Package actionbus implements the bounded FIFO of supervisor commands:
// {ADD, FINISH, DELETE}. Submit never blocks; producers implement their
// own retry when the bus is full.
package actionbus

import "github.com/estuary/ingestcore/go/model"

// ActionType is one of the three supervisor commands the bus carries.
type ActionType int

const (
	Add ActionType = iota
	Finish
	Delete
)

func (t ActionType) String() string {
	switch t {
	case Add:
		return "ADD"
	case Finish:
		return "FINISH"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Action is one queued supervisor command. Profile carries the full
// profile for ADD/FINISH; DELETE only needs the identity pair, but the
// full profile is accepted there too since Instance always has it handy
// and a DELETE handler may want the class tags for logging.
type Action struct {
	Type       ActionType
	Profile    model.InstanceProfile
	TaskID     string
	InstanceID string
}

// Bus is the ActionBus: a bounded, non-blocking command queue one
// InstanceManager owns.
type Bus struct {
	ch chan Action
}

// New returns a Bus with the given bounded capacity (default: 100).
func New(capacity int) *Bus {
	return &Bus{ch: make(chan Action, capacity)}
}

// Submit is non-blocking: it returns false without enqueuing when the bus
// is at capacity. The caller must implement its own retry.
func (b *Bus) Submit(a Action) bool {
	select {
	case b.ch <- a:
		return true
	default:
		return false
	}
}

// DrainAll removes and returns every action currently queued, preserving
// FIFO order, without blocking for more to arrive. The consumer calls this
// once per tick, draining the bus fully each time.
func (b *Bus) DrainAll() []Action {
	var out []Action
	for {
		select {
		case a := <-b.ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

// Len reports the number of actions currently queued, used by
// InstanceManager.IsFull.
func (b *Bus) Len() int {
	return len(b.ch)
}
