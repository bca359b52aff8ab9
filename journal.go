package quest

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type EventKind int

const (
	EventStarted EventKind = iota
	EventDeduped
	EventResolved
	EventFailed
	EventApplied
	EventRolledBack
	EventStale
	EventInvalidated
)

func (k EventKind) String() string {
	return []string{"Started", "Deduped", "Resolved", "Failed", "Applied", "RolledBack", "Stale", "Invalidated"}[k]
}

// Event is one recorded transition of a key.
type Event struct {
	Kind EventKind
	Gen  uint64
	At   time.Time
	Err  error
}

const journalKeyCap = 4096

// Journal keeps a bounded trail of recent transitions per key, the least
// recently touched keys falling off first.
type Journal struct {
	limit int
	lock  sync.Mutex
	keys  *lru.Cache[string, []Event]
}

func NewJournal(limit int) *Journal {
	cache, _ := lru.New[string, []Event](journalKeyCap)
	return &Journal{limit: limit, keys: cache}
}

func (j *Journal) Record(key string, ev Event) {
	j.lock.Lock()
	events, _ := j.keys.Get(key)
	events = append(events, ev)
	if len(events) > j.limit {
		events = events[len(events)-j.limit:]
	}
	j.keys.Add(key, events)
	j.lock.Unlock()
}

// History returns key's recent events, oldest first.
func (j *Journal) History(key string) []Event {
	j.lock.Lock()
	defer j.lock.Unlock()
	events, ok := j.keys.Get(key)
	if !ok {
		return nil
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
