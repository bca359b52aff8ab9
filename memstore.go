package quest

import (
	"sync"

	"github.com/cespare/xxhash"
)

const memShards = 16

type memShard struct {
	lock sync.RWMutex
	recs map[string]Record
}

// MemStore is the default in-process store: records sharded by key hash,
// watchers notified synchronously on commit. Records are never evicted;
// Reset is the only way to drop them.
type MemStore struct {
	shards [memShards]memShard
	Notifier
}

func NewMemStore() *MemStore {
	store := &MemStore{}
	for i := range store.shards {
		store.shards[i].recs = make(map[string]Record)
	}
	return store
}

func (s *MemStore) shard(key string) *memShard {
	return &s.shards[xxhash.Sum64String(key)%memShards]
}

func (s *MemStore) Load(key string) (Record, bool) {
	sh := s.shard(key)
	sh.lock.RLock()
	rec, ok := sh.recs[key]
	sh.lock.RUnlock()
	return rec, ok
}

func (s *MemStore) Commit(key string, rec Record) {
	sh := s.shard(key)
	sh.lock.Lock()
	sh.recs[key] = rec
	sh.lock.Unlock()
	s.Notify(key, rec)
}

// Len reports how many keys hold a record.
func (s *MemStore) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].lock.RLock()
		n += len(s.shards[i].recs)
		s.shards[i].lock.RUnlock()
	}
	return n
}

// Reset drops every record. Watchers are not called.
func (s *MemStore) Reset() {
	for i := range s.shards {
		s.shards[i].lock.Lock()
		s.shards[i].recs = make(map[string]Record)
		s.shards[i].lock.Unlock()
	}
}
