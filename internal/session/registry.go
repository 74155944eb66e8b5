package session

import (
	"context"
	"sync"
)

// Registry is the connection pool: at most one live transport per RoomKey no
// matter how many subscribers observe the room. It is constructed once and
// injected, never a package global.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	rooms map[RoomKey]*entry
}

// entry tracks one room connection together with the outcome of its initial
// handshake. ready closes once connect resolves; err is set before the close
// when the handshake failed, and a failed entry is removed from the map
// before its waiters wake, so the key is immediately acquirable again.
type entry struct {
	conn  *Conn
	ready chan struct{}
	err   error
}

// NewRegistry creates a registry for the configured endpoint.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:   cfg.withDefaults(),
		rooms: make(map[RoomKey]*entry),
	}
}

// Handle is a scoped reference to a shared room connection. Release is the
// only release path and is safe to defer and to call more than once.
type Handle struct {
	conn     *Conn
	registry *Registry
	once     sync.Once
}

// Conn returns the shared connection behind this handle.
func (h *Handle) Conn() *Conn { return h.conn }

// Release drops this subscriber's reference. When the last reference goes,
// the registry cancels any pending reconnect, sends a best-effort LEAVE if
// joined, closes the transport normally, and removes the room entry.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.registry.release(h.conn)
	})
}

// Acquire returns the room's shared connection, creating and handshaking a
// new one if none exists. A concurrent Acquire for the same key joins the
// in-flight handshake and shares its outcome; nobody is handed a connection
// that never authenticated. On an existing connection the stored credentials
// are refreshed so a later reconnect dials with the freshest token.
func (r *Registry) Acquire(ctx context.Context, key RoomKey, creds Credentials) (*Handle, error) {
	r.mu.Lock()
	if e, ok := r.rooms[key]; ok {
		e.conn.updateCredentials(creds)
		e.conn.addRef()
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			r.release(e.conn)
			return nil, ctx.Err()
		}
		if e.err != nil {
			r.release(e.conn)
			return nil, e.err
		}
		return &Handle{conn: e.conn, registry: r}, nil
	}

	e := &entry{conn: newConn(key, creds, r.cfg), ready: make(chan struct{})}
	e.conn.addRef()
	r.rooms[key] = e
	r.mu.Unlock()

	if err := e.conn.connect(ctx); err != nil {
		r.mu.Lock()
		if cur, ok := r.rooms[key]; ok && cur == e {
			delete(r.rooms, key)
		}
		r.mu.Unlock()
		e.err = err
		close(e.ready)
		r.release(e.conn)
		return nil, err
	}
	close(e.ready)
	return &Handle{conn: e.conn, registry: r}, nil
}

// Len reports how many rooms currently hold a live entry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) release(c *Conn) {
	r.mu.Lock()
	last := c.decRef()
	if last {
		if e, ok := r.rooms[c.key]; ok && e.conn == c {
			delete(r.rooms, c.key)
		}
	}
	r.mu.Unlock()

	if last {
		c.shutdown()
	}
}

// Close releases every remaining connection regardless of outstanding
// handles. Intended for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.rooms = make(map[RoomKey]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		c := e.conn
		c.mu.Lock()
		c.refCount = 0
		c.closing = true
		c.mu.Unlock()
		c.shutdown()
	}
}
