// Package pebblestore is a durable quest.Store: records are persisted to
// a pebble database and survive restarts. Loading is a purely in-flight
// condition, so it is held in a write-through overlay and never reaches
// disk; a reopened store reads every record with Loading false.
package pebblestore

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	quest "github.com/djgrant/redux-quest"
	"github.com/djgrant/redux-quest/utils"
)

var WriteOptions = pebble.WriteOptions{Sync: false}

// Record key prefix, leaving room for other key spaces later.
func rkey(key string) []byte {
	return append([]byte{'R'}, key...)
}

// storedRecord is the on-disk shape. Data round-trips through JSON, so a
// reloaded record holds JSON types (map[string]any, []any, float64...)
// regardless of what was committed. Err survives as its message only.
type storedRecord struct {
	Completed bool            `json:"completed"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Store guards db with lock: Close nils it out, and a Commit or Load
// racing a Close must see either the live handle or nil, never a
// half-closed one. The overlay keeps the store usable after Close.
type Store struct {
	db   *pebble.DB
	lock sync.Mutex
	live map[string]quest.Record
	log  utils.Logger

	quest.Notifier
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open quest store")
	}
	return &Store{
		db:   db,
		live: make(map[string]quest.Record),
		log:  utils.NewDefaultLogger(slog.LevelWarn),
	}, nil
}

func (s *Store) SetLogger(log utils.Logger) {
	s.log = log
}

func (s *Store) Load(key string) (quest.Record, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if rec, ok := s.live[key]; ok {
		return rec, true
	}
	if s.db == nil {
		return quest.Record{}, false
	}

	val, clo, err := s.db.Get(rkey(key))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			s.log.Warn("read record failed", "key", key, "err", err)
		}
		return quest.Record{}, false
	}
	var stored storedRecord
	err = json.Unmarshal(val, &stored)
	_ = clo.Close()
	if err != nil {
		s.log.Warn("decode record failed", "key", key, "err", err)
		return quest.Record{}, false
	}

	rec := quest.Record{Completed: stored.Completed}
	if stored.Error != "" {
		rec.Err = errors.New(stored.Error)
	}
	if len(stored.Data) > 0 {
		var data any
		if err := json.Unmarshal(stored.Data, &data); err == nil {
			rec.Data = data
		}
	}
	s.live[key] = rec
	return rec, true
}

func (s *Store) Commit(key string, rec quest.Record) {
	s.lock.Lock()
	s.live[key] = rec
	if s.db != nil {
		stored := storedRecord{Completed: rec.Completed}
		if rec.Err != nil {
			stored.Error = rec.Err.Error()
		}
		if rec.Data != nil {
			if raw, err := json.Marshal(rec.Data); err == nil {
				stored.Data = raw
			}
		}
		if raw, err := json.Marshal(&stored); err == nil {
			if err := s.db.Set(rkey(key), raw, &WriteOptions); err != nil {
				s.log.Warn("write record failed", "key", key, "err", err)
			}
		}
	}
	s.lock.Unlock()

	s.Notify(key, rec)
}

func (s *Store) Close() error {
	s.lock.Lock()
	db := s.db
	s.db = nil
	s.lock.Unlock()
	if db == nil {
		return nil
	}
	return errors.Wrap(db.Close(), "close quest store")
}
