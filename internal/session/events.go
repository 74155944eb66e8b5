package session

import (
	"github.com/tessora/bidstream/internal/protocol"
)

// Event is what subscribers receive from a room connection: either a routed
// protocol frame or a connectivity transition. Dispatch order is registration
// order, synchronous per frame.
type Event interface {
	sessionEvent()
}

// FrameEvent carries one routed inbound frame.
type FrameEvent struct {
	Msg protocol.Message
}

// ConnectivityEvent reports a state transition. Err is set for the distinct
// terminal cases (duplicate-session kick, auth-fatal handshake failure) so
// callers can explain why rather than showing a generic disconnect.
type ConnectivityEvent struct {
	State State
	Err   error
}

func (FrameEvent) sessionEvent()        {}
func (ConnectivityEvent) sessionEvent() {}

// Handler consumes room events. Handlers must not block; they run on the
// connection's routing goroutine.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Subscribe registers a handler and returns its unsubscribe function. A
// subscriber attaching after JOIN reads current room state via Snapshot;
// there is no event replay.
func (c *Conn) Subscribe(h Handler) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs = append(c.subs, subscription{id: id, handler: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// fanOut dispatches an event to all subscribers in registration order. The
// handler list is snapshotted so handlers may subscribe, unsubscribe, or
// submit bids re-entrantly.
func (c *Conn) fanOut(ev Event) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.subs))
	for i, s := range c.subs {
		handlers[i] = s.handler
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
