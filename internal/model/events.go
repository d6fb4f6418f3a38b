package model

// EventType names a change channel.
type EventType string

const (
	EventLayer EventType = "layer"
	EventTable EventType = "table"
)

// Event is delivered to listeners after the corresponding field was stored.
type Event struct {
	Type   EventType
	Source *ViewModel
}

// Listener receives change notifications. A panicking listener propagates to
// the caller of the setter that fired it.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Emitter is a synchronous, ordered broadcast channel scoped to one model.
type Emitter struct {
	typ       EventType
	source    *ViewModel
	listeners []listenerEntry
	nextID    int
}

func newEmitter(typ EventType, source *ViewModel) *Emitter {
	return &Emitter{typ: typ, source: source}
}

// Connect registers fn and returns a function that removes it again.
// Nil listeners are ignored.
func (e *Emitter) Connect(fn Listener) (disconnect func()) {
	if fn == nil {
		return func() {}
	}
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listenerEntry{id: id, fn: fn})
	return func() { e.disconnect(id) }
}

func (e *Emitter) disconnect(id int) {
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of connected listeners.
func (e *Emitter) Len() int { return len(e.listeners) }

// Emit invokes every listener registered at the time of the call, in
// registration order.
func (e *Emitter) Emit() {
	snapshot := make([]listenerEntry, len(e.listeners))
	copy(snapshot, e.listeners)
	ev := Event{Type: e.typ, Source: e.source}
	for _, l := range snapshot {
		l.fn(ev)
	}
}

// Events groups the change channels of a ViewModel.
type Events struct {
	Layer *Emitter
	Table *Emitter
}
