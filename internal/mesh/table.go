package mesh

import (
	"sort"
	"sync"

	"meshchat/internal/peer"
)

// Table is the connection table and connecting set of a node. All mutation
// goes through register, unregister, markConnecting and clearConnecting.
type Table struct {
	mu         sync.RWMutex
	conns      map[string]*peer.Conn // deviceID -> established link
	connecting map[string]struct{}   // deviceIDs being dialed
}

func NewTable() *Table {
	return &Table{
		conns:      make(map[string]*peer.Conn),
		connecting: make(map[string]struct{}),
	}
}

// Register makes c the established link for id and clears id's connecting
// marker; the last link registered for an id wins. It returns the link c
// replaced, if any, which the caller closes. added is false when c was
// already registered under id.
func (t *Table) Register(id string, c *peer.Conn) (replaced *peer.Conn, added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.conns[id]
	delete(t.connecting, id)
	if old == c {
		return nil, false
	}
	t.conns[id] = c
	return old, true
}

// Unregister removes id only while it still maps to c, so a link replaced
// by a newer one cannot evict its replacement. It reports whether an entry
// was removed.
func (t *Table) Unregister(id string, c *peer.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.conns[id]; !ok || cur != c {
		return false
	}
	delete(t.conns, id)
	return true
}

// MarkConnecting claims id for an outbound dial. It returns false when id is
// already established or already being dialed.
func (t *Table) MarkConnecting(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[id]; ok {
		return false
	}
	if _, ok := t.connecting[id]; ok {
		return false
	}
	t.connecting[id] = struct{}{}
	return true
}

func (t *Table) ClearConnecting(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connecting, id)
}

// PruneConnecting drops connecting markers for ids that are established.
func (t *Table) PruneConnecting() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id := range t.connecting {
		if _, ok := t.conns[id]; ok {
			delete(t.connecting, id)
			n++
		}
	}
	return n
}

func (t *Table) Get(id string) (*peer.Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

func (t *Table) IsConnecting(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.connecting[id]
	return ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Snapshot copies the established links so callers can do I/O without
// holding the table lock.
func (t *Table) Snapshot() map[string]*peer.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*peer.Conn, len(t.conns))
	for id, c := range t.conns {
		out[id] = c
	}
	return out
}

// Peers lists established peers sorted by device id.
func (t *Table) Peers() []peer.Peer {
	t.mu.RLock()
	out := make([]peer.Peer, 0, len(t.conns))
	for _, c := range t.conns {
		if p := c.Peer(); p != nil {
			out = append(out, *p)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Clear empties the table and returns what it held.
func (t *Table) Clear() map[string]*peer.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.conns
	t.conns = make(map[string]*peer.Conn)
	clear(t.connecting)
	return out
}
