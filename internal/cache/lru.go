package cache

import "container/list"

// lru holds the in-memory tier. Not thread-safe; the cache serialises
// access under its own lock.
type lru struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List

	evictions int64
}

type lruItem struct {
	key   string
	entry Entry
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// get returns the entry and promotes it.
func (l *lru) get(key string) (Entry, bool) {
	elem, ok := l.entries[key]
	if !ok {
		return Entry{}, false
	}
	l.order.MoveToFront(elem)
	return elem.Value.(*lruItem).entry, true
}

// peek returns the entry without promoting it.
func (l *lru) peek(key string) (Entry, bool) {
	elem, ok := l.entries[key]
	if !ok {
		return Entry{}, false
	}
	return elem.Value.(*lruItem).entry, true
}

// put inserts or replaces the entry and returns whatever was evicted to make
// room.
func (l *lru) put(key string, e Entry) []Entry {
	if elem, ok := l.entries[key]; ok {
		elem.Value.(*lruItem).entry = e
		l.order.MoveToFront(elem)
		return nil
	}
	l.entries[key] = l.order.PushFront(&lruItem{key: key, entry: e})

	var evicted []Entry
	for l.capacity > 0 && l.order.Len() > l.capacity {
		evicted = append(evicted, l.evictOldest())
	}
	return evicted
}

func (l *lru) remove(key string) bool {
	elem, ok := l.entries[key]
	if !ok {
		return false
	}
	l.order.Remove(elem)
	delete(l.entries, key)
	return true
}

func (l *lru) evictOldest() Entry {
	elem := l.order.Back()
	item := elem.Value.(*lruItem)
	l.order.Remove(elem)
	delete(l.entries, item.key)
	l.evictions++
	return item.entry
}

func (l *lru) len() int {
	return l.order.Len()
}
