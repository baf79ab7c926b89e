package reconciler

import "sync"

// orderLocks serializes work per order: webhook deliveries are at-least-once
// and concurrent, and two deliveries for the same order must not both pass
// the dedup check. Locks are independent across orders; there is no global
// lock. Entries are never reclaimed, which is acceptable for the bounded
// set of in-flight orders a single deployment sees.
type orderLocks struct {
	locks sync.Map // orderID -> *sync.Mutex
}

func (l *orderLocks) lock(orderID int64) func() {
	mu, _ := l.locks.LoadOrStore(orderID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
