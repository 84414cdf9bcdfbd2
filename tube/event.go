package tube

import (
	"fmt"
	"time"
)

// EventKind identifies a controller event.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventEmissionStarted
	EventEmissionStopped
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventEmissionStarted:
		return "emission_started"
	case EventEmissionStopped:
		return "emission_stopped"
	case EventFault:
		return "fault"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is published to registered EventHandlers.
type Event struct {
	Kind EventKind
	Time time.Time
	// State and Previous are set for EventStateChanged.
	State    State
	Previous State
	// Session fields are set for emission events.
	SessionID uint64
	Reason    StopReason
	Elapsed   time.Duration
	Deadline  time.Duration
	// Err is set for EventFault and for emission stops caused by a fault.
	Err error
}

// EventHandler receives controller events.
type EventHandler func(Event)

func (c *Controller) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, h := range c.cfg.eventHandlers {
		h(ev)
	}
}
