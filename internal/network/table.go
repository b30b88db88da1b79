package network

import (
	"sort"
	"sync"
)

// connTable stores live connections by partner key.
type connTable struct {
	mu    sync.RWMutex
	items map[string]*Connection
}

func newConnTable() *connTable {
	return &connTable{
		items: make(map[string]*Connection),
	}
}

// getOrAdd returns the connection for key, creating it with create when
// absent. created reports whether create ran.
func (t *connTable) getOrAdd(key string, create func() *Connection) (*Connection, bool) {
	t.mu.RLock()
	conn, ok := t.items[key]
	t.mu.RUnlock()
	if ok {
		return conn, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.items[key]; ok {
		return conn, false
	}
	conn = create()
	t.items[key] = conn
	return conn, true
}

func (t *connTable) get(key string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.items[key]
	return conn, ok
}

// remove deletes conn only if it is still the entry for its key.
func (t *connTable) remove(conn *Connection) bool {
	key := conn.partner.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.items[key]; !ok || cur != conn {
		return false
	}
	delete(t.items, key)
	return true
}

func (t *connTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// list returns connections ordered by first sight.
func (t *connTable) list() []*Connection {
	t.mu.RLock()
	out := make([]*Connection, 0, len(t.items))
	for _, conn := range t.items {
		out = append(out, conn)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].order != out[j].order {
			return out[i].order < out[j].order
		}
		return out[i].partner.Key() < out[j].partner.Key()
	})
	return out
}
