package inventory

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies the kind of event raised by the decoder.
type EventKind uint8

const (
	// EventTagFound reports a single proximity tag.
	EventTagFound EventKind = iota + 1
	// EventInventoryComplete carries the ordered tags of a finished vicinity
	// inventory cycle. It is meant for output forwarding and persistence.
	EventInventoryComplete
	// EventReadTagData requests the content of one tag from a finished
	// vicinity inventory cycle.
	EventReadTagData
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventTagFound:
		return "tagfound"
	case EventInventoryComplete:
		return "inventory"
	case EventReadTagData:
		return "readtagdata"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseEventKind returns the kind with the given wire name.
func ParseEventKind(name string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tagfound":
		return EventTagFound, nil
	case "inventory":
		return EventInventoryComplete, nil
	case "readtagdata":
		return EventReadTagData, nil
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// Event is raised by the Decoder. TagID is set for EventTagFound and
// EventReadTagData; Tags is set (possibly empty) for EventInventoryComplete.
// Cycle is the number of the inventory cycle the event belongs to, or zero
// for proximity tags seen outside a cycle.
type Event struct {
	Kind    EventKind  `json:"kind"`
	TagType TagType    `json:"tag_type"`
	TagID   string     `json:"tag_id,omitempty"`
	Tags    []TagEntry `json:"tags,omitempty"`
	Cycle   uint64     `json:"cycle"`
	Time    time.Time  `json:"time"`
}

// Handler receives decoder events. HandleEvent is called synchronously from
// the decoding goroutine and must not call back into the Decoder.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Dispatcher delivers events to every subscribed handler in subscription
// order.
type Dispatcher struct {
	handlers []Handler
}

// Subscribe adds h to the dispatcher.
func (d *Dispatcher) Subscribe(h Handler) {
	d.handlers = append(d.handlers, h)
}

// Emit delivers e to all handlers.
func (d *Dispatcher) Emit(e Event) {
	for _, h := range d.handlers {
		h.HandleEvent(e)
	}
}
