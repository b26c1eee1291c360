package evict

import (
	"container/list"
	"sync"
)

// LRUPolicy orders live slots by recency.
type LRUPolicy struct {
	mu    sync.Mutex
	order *list.List // front is most recent
	items map[uint32]*list.Element
}

// NewLRU creates an empty LRU policy.
func NewLRU() *LRUPolicy {
	return &LRUPolicy{
		order: list.New(),
		items: make(map[uint32]*list.Element),
	}
}

// Kind implements Policy.
func (p *LRUPolicy) Kind() Kind { return LRU }

// Admit implements Policy.
func (p *LRUPolicy) Admit(slot uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.items[slot]; ok {
		p.order.MoveToFront(e)
		return
	}
	p.items[slot] = p.order.PushFront(slot)
}

// Touch implements Policy.
func (p *LRUPolicy) Touch(slot uint32) {
	p.mu.Lock()
	if e, ok := p.items[slot]; ok {
		p.order.MoveToFront(e)
	}
	p.mu.Unlock()
}

// Remove implements Policy.
func (p *LRUPolicy) Remove(slot uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.items[slot]; ok {
		p.order.Remove(e)
		delete(p.items, slot)
	}
}

// Victims implements Policy, walking from the least recent end.
func (p *LRUPolicy) Victims(n int, pinned func(slot uint32) bool) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	victims := make([]uint32, 0, n)
	for e := p.order.Back(); e != nil && len(victims) < n; e = e.Prev() {
		slot := e.Value.(uint32)
		if pinned != nil && pinned(slot) {
			continue
		}
		victims = append(victims, slot)
	}
	return victims
}

// Len returns the number of tracked slots.
func (p *LRUPolicy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
