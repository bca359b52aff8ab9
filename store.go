package quest

import "sync"

// Store holds one Record per key. The engine is the only writer; Commit
// is synchronous and the new record must be readable the moment Commit
// returns. Absence of a key reads as the default record.
type Store interface {
	Load(key string) (rec Record, ok bool)
	Commit(key string, rec Record)
}

// Watcher observes committed records.
type Watcher func(key string, rec Record)

// Watchable is implemented by stores that notify subscribers
// synchronously on every commit.
type Watchable interface {
	Watch(key string, w Watcher) (cancel func())
	Subscribe(w Watcher) (cancel func())
}

// Notifier is the watcher bookkeeping shared by the store
// implementations. The zero value is ready to use.
type Notifier struct {
	lock    sync.Mutex
	nextID  uint64
	keyed   map[string]map[uint64]Watcher
	global  map[uint64]Watcher
}

func (n *Notifier) Watch(key string, w Watcher) (cancel func()) {
	n.lock.Lock()
	if n.keyed == nil {
		n.keyed = make(map[string]map[uint64]Watcher)
	}
	ws := n.keyed[key]
	if ws == nil {
		ws = make(map[uint64]Watcher)
		n.keyed[key] = ws
	}
	n.nextID++
	id := n.nextID
	ws[id] = w
	n.lock.Unlock()
	return func() {
		n.lock.Lock()
		if ws := n.keyed[key]; ws != nil {
			delete(ws, id)
			if len(ws) == 0 {
				delete(n.keyed, key)
			}
		}
		n.lock.Unlock()
	}
}

func (n *Notifier) Subscribe(w Watcher) (cancel func()) {
	n.lock.Lock()
	if n.global == nil {
		n.global = make(map[uint64]Watcher)
	}
	n.nextID++
	id := n.nextID
	n.global[id] = w
	n.lock.Unlock()
	return func() {
		n.lock.Lock()
		delete(n.global, id)
		n.lock.Unlock()
	}
}

// Notify calls every watcher registered for key, then every global
// subscriber. Callbacks run outside the notifier lock but inside the
// committing key's critical section: a watcher must not start or resolve
// a quest for the same key synchronously.
func (n *Notifier) Notify(key string, rec Record) {
	n.lock.Lock()
	fns := make([]Watcher, 0, len(n.keyed[key])+len(n.global))
	for _, w := range n.keyed[key] {
		fns = append(fns, w)
	}
	for _, w := range n.global {
		fns = append(fns, w)
	}
	n.lock.Unlock()
	for _, w := range fns {
		w(key, rec)
	}
}
