package notify

import (
	"github.com/vietddude/guardian/internal/core/domain"
)

// Handlers receive platform notification events. Nil fields are skipped.
type Handlers struct {
	OnReceived func(domain.Notification)
	OnOpened   func(domain.Notification)
	OnError    func(error)
}

// Subscribe registers h and returns a function that removes it.
func (d *Dispatcher) Subscribe(h Handlers) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
	}
}

// HandleReceived dispatches a notification that arrived while the app was
// in the foreground.
func (d *Dispatcher) HandleReceived(n domain.Notification) {
	for _, h := range d.snapshotHandlers() {
		if h.OnReceived != nil {
			h.OnReceived(n)
		}
	}
}

// HandleOpened dispatches a notification the user tapped.
func (d *Dispatcher) HandleOpened(n domain.Notification) {
	for _, h := range d.snapshotHandlers() {
		if h.OnOpened != nil {
			h.OnOpened(n)
		}
	}
}

func (d *Dispatcher) emitError(err error) {
	for _, h := range d.snapshotHandlers() {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}

func (d *Dispatcher) snapshotHandlers() []Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Handlers, 0, len(d.handlers))
	for _, h := range d.handlers {
		out = append(out, h)
	}
	return out
}
