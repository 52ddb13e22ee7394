package base

// Handle addresses a connection inside a Registry. The generation makes a
// handle of a removed connection stale even after its slot got reused.
type Handle struct {
	index uint32
	gen   uint32
}

type registrySlot struct {
	conn *Conn
	gen  uint32
}

// Registry is the set of live connections of one event loop. Connections live
// in a slice of slots, freed slots are recycled through a free list, so add and
// remove are O(1) and handles stay stable for a connection's lifetime.
// It is not safe for concurrent use.
type Registry struct {
	slots []registrySlot
	free  []uint32
	byFD  map[int]Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byFD: make(map[int]Handle)}
}

// Add stores c and sets its Handle
func (r *Registry) Add(c *Conn) Handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, registrySlot{})
	}

	slot := &r.slots[idx]
	slot.conn = c
	h := Handle{index: idx, gen: slot.gen}
	c.Handle = h
	r.byFD[c.FD] = h
	return h
}

// Get returns the connection behind h, if it is still registered
func (r *Registry) Get(h Handle) (*Conn, bool) {
	if int(h.index) >= len(r.slots) {
		return nil, false
	}
	slot := r.slots[h.index]
	if slot.conn == nil || slot.gen != h.gen {
		return nil, false
	}
	return slot.conn, true
}

// ByFD looks up a connection by its descriptor
func (r *Registry) ByFD(fd int) (*Conn, bool) {
	h, ok := r.byFD[fd]
	if !ok {
		return nil, false
	}
	return r.Get(h)
}

// Remove unregisters the connection behind h. It reports false, and does
// nothing, if h was already removed.
func (r *Registry) Remove(h Handle) bool {
	c, ok := r.Get(h)
	if !ok {
		return false
	}
	slot := &r.slots[h.index]
	slot.conn = nil
	slot.gen++
	r.free = append(r.free, h.index)
	if cur, ok := r.byFD[c.FD]; ok && cur == h {
		delete(r.byFD, c.FD)
	}
	return true
}

// Len is the number of registered connections
func (r *Registry) Len() int {
	return len(r.byFD)
}

// Each calls fn for every registered connection until fn returns false.
// fn may remove the connection it is called with.
func (r *Registry) Each(fn func(c *Conn) bool) {
	for i := 0; i < len(r.slots); i++ {
		if c := r.slots[i].conn; c != nil {
			if !fn(c) {
				return
			}
		}
	}
}
