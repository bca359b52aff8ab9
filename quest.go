package quest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/djgrant/redux-quest/quest_errors"
	"github.com/djgrant/redux-quest/utils"
	"github.com/google/uuid"
)

type Options struct {
	Logger       utils.Logger
	JournalLimit int // events retained per key, 0 for the default
	NoJournal    bool
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.JournalLimit == 0 {
		o.JournalLimit = 64
	}
}

// keyState serializes commits for one key and carries its generation.
// The generation is bumped by every StartQuest, ResolveQuest and
// Invalidate; a settlement whose generation no longer matches is stale
// and gets dropped instead of clobbering newer data.
type keyState struct {
	lock sync.Mutex
	gen  uint64
}

type engineMetrics struct {
	started   atomic.Uint64
	deduped   atomic.Uint64
	resolved  atomic.Uint64
	failed    atomic.Uint64
	rollbacks atomic.Uint64
	stale     atomic.Uint64
}

// Engine is the quest state machine. It is the sole writer of Records:
// every transition of a key's record goes through its commit lock, so
// readers only ever observe whole snapshots.
type Engine struct {
	store Store
	reg   *Registry
	keys  utils.CMap[string, *keyState]

	log     utils.Logger
	opts    Options
	journal *Journal

	metrics  engineMetrics
	fetchAvg *utils.AvgVal
}

func NewEngine(store Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, quest_errors.ErrNoStore
	}
	opts.SetDefaults()
	e := &Engine{
		store:    store,
		reg:      NewRegistry(),
		log:      opts.Logger,
		opts:     opts,
		fetchAvg: utils.NewAvgVal(0),
	}
	if !opts.NoJournal {
		e.journal = NewJournal(opts.JournalLimit)
	}
	return e, nil
}

func (e *Engine) state(key string) *keyState {
	ks, _ := e.keys.LoadOrStore(key, &keyState{})
	return ks
}

// Record reads the current record for key; unknown keys read as the
// canonical default.
func (e *Engine) Record(key string) Record {
	rec, _ := e.store.Load(key)
	return rec
}

func (e *Engine) Data(key string) any {
	return e.Record(key).Data
}

// Peek exposes the pending flight for key, if any. A synchronous render
// pass uses it to decide whether it must await this key.
func (e *Engine) Peek(key string) *Flight {
	return e.reg.Peek(key)
}

// WaitPending blocks until every fetch pending at call time has settled.
// This is the server-render completion point.
func (e *Engine) WaitPending(ctx context.Context) error {
	return e.reg.WaitAll(ctx)
}

// Watch subscribes to commits for key when the store supports it.
func (e *Engine) Watch(key string, w Watcher) (cancel func()) {
	if wt, ok := e.store.(Watchable); ok {
		return wt.Watch(key, w)
	}
	return func() {}
}

// History returns the recent transition journal for key, newest last.
func (e *Engine) History(key string) []Event {
	if e.journal == nil {
		return nil
	}
	return e.journal.History(key)
}

// StartQuest begins a fetch lifecycle for key. While a previous fetch for
// the same key is unsettled the fetcher is not invoked again; the caller
// gets the already-pending Flight instead and shares its settlement.
//
// The fetcher must not call StartQuest or ResolveQuest for the same key
// from within a Thunk, as the thunk runs under the key's commit lock.
func (e *Engine) StartQuest(ctx context.Context, key string, fetch Fetcher) (*Flight, error) {
	if fetch == nil {
		return nil, quest_errors.ErrEmptyPlan
	}
	ks := e.state(key)

	ks.lock.Lock()
	if f := e.reg.Peek(key); f != nil {
		ks.lock.Unlock()
		e.metrics.deduped.Add(1)
		e.record(key, EventDeduped, f.gen, nil)
		e.log.DebugCtx(ctx, "quest already in flight", "key", key)
		return f, nil
	}
	ks.gen++
	gen := ks.gen
	f, _ := e.reg.Register(key, gen)
	rec, _ := e.store.Load(key)
	snap := rec // pre-quest snapshot, sequences roll back to this
	rec.Loading = true
	e.store.Commit(key, rec)
	ks.lock.Unlock()

	ctx = utils.WithDefaultArgs(ctx, "key", key, "quest", uuid.Must(uuid.NewV7()).String())
	e.metrics.started.Add(1)
	e.record(key, EventStarted, gen, nil)
	e.log.DebugCtx(ctx, "quest started")

	plan := fetch(ctx)
	if err := plan.validate(); err != nil {
		e.fail(ctx, key, ks, gen, f, err)
		return f, err
	}
	switch {
	case plan.Thunk != nil:
		e.runThunk(ctx, key, ks, gen, f, plan.Thunk)
	case len(plan.Steps) > 0:
		go e.runSequence(ctx, key, ks, gen, f, snap, plan.Steps)
	default:
		go e.runSingle(ctx, key, ks, gen, f, plan.Run)
	}
	return f, nil
}

// ResolveQuest commits value directly, without invoking any fetcher.
// It is permitted while a fetch is still loading: the load ends now,
// last write wins, and the in-flight fetch's eventual settlement is
// discarded as stale rather than racing this commit.
func (e *Engine) ResolveQuest(ctx context.Context, key string, value any) {
	ks := e.state(key)
	ks.lock.Lock()
	ks.gen++
	gen := ks.gen
	rec, _ := e.store.Load(key)
	rec.Data = value
	rec.Completed = true
	rec.Loading = false
	rec.Err = nil
	e.store.Commit(key, rec)
	if f := e.reg.Peek(key); f != nil {
		e.reg.complete(f, value, nil)
	}
	ks.lock.Unlock()
	e.metrics.resolved.Add(1)
	e.record(key, EventResolved, gen, nil)
	e.log.DebugCtx(ctx, "quest resolved directly", "key", key)
}

// Invalidate bumps the key's generation so every outstanding settlement
// for it is dropped. This is the cheap stand-in for cancellation: the
// fetch itself runs to completion, its result just no longer lands.
func (e *Engine) Invalidate(key string) {
	ks := e.state(key)
	ks.lock.Lock()
	ks.gen++
	gen := ks.gen
	if f := e.reg.Peek(key); f != nil {
		e.reg.complete(f, nil, quest_errors.ErrInvalidated)
	}
	rec, ok := e.store.Load(key)
	if ok && rec.Loading {
		rec.Loading = false
		e.store.Commit(key, rec)
	}
	ks.lock.Unlock()
	e.record(key, EventInvalidated, gen, nil)
}

func (e *Engine) runSingle(ctx context.Context, key string, ks *keyState, gen uint64, f *Flight, run Run) {
	start := time.Now()
	val, err := run(ctx)
	e.fetchAvg.Add(time.Since(start).Seconds())
	if err != nil {
		e.fail(ctx, key, ks, gen, f, err)
		return
	}
	e.succeed(ctx, key, ks, gen, f, val)
}

func (e *Engine) succeed(ctx context.Context, key string, ks *keyState, gen uint64, f *Flight, val any) {
	ks.lock.Lock()
	if ks.gen != gen {
		e.reg.complete(f, val, nil)
		ks.lock.Unlock()
		e.dropStale(ctx, key, gen)
		return
	}
	rec, _ := e.store.Load(key)
	rec.Data = val
	rec.Completed = true
	rec.Loading = false
	rec.Err = nil
	e.store.Commit(key, rec)
	e.reg.complete(f, val, nil)
	ks.lock.Unlock()
	e.metrics.resolved.Add(1)
	e.record(key, EventResolved, gen, nil)
	e.log.DebugCtx(ctx, "quest settled")
}

func (e *Engine) fail(ctx context.Context, key string, ks *keyState, gen uint64, f *Flight, cause error) {
	ks.lock.Lock()
	if ks.gen != gen {
		e.reg.complete(f, nil, cause)
		ks.lock.Unlock()
		e.dropStale(ctx, key, gen)
		return
	}
	rec, _ := e.store.Load(key)
	rec.Err = cause
	rec.Loading = false
	e.store.Commit(key, rec)
	e.reg.complete(f, nil, cause)
	ks.lock.Unlock()
	e.metrics.failed.Add(1)
	e.record(key, EventFailed, gen, cause)
	e.log.WarnCtx(ctx, "quest failed", "err", cause)
}

func (e *Engine) dropStale(ctx context.Context, key string, gen uint64) {
	e.metrics.stale.Add(1)
	e.record(key, EventStale, gen, nil)
	e.log.DebugCtx(ctx, "stale settlement dropped", "key", key, "gen", gen)
}

func (e *Engine) record(key string, kind EventKind, gen uint64, err error) {
	if e.journal != nil {
		e.journal.Record(key, Event{Kind: kind, Gen: gen, At: time.Now(), Err: err})
	}
}

// Txn is the handle a Thunk works through. Both Current and Commit must
// be called before the thunk returns; afterwards they panic.
type Txn struct {
	engine *Engine
	key    string
	open   bool
}

// Current reads the latest committed data for the key.
func (t *Txn) Current() any {
	if !t.open {
		panic(quest_errors.ErrStaleTxn)
	}
	rec, _ := t.engine.store.Load(t.key)
	return rec.Data
}

// Commit makes value the key's data immediately. Subsequent Current
// calls within the same thunk observe it.
func (t *Txn) Commit(value any) {
	if !t.open {
		panic(quest_errors.ErrStaleTxn)
	}
	rec, _ := t.engine.store.Load(t.key)
	rec.Data = value
	rec.Completed = true
	rec.Err = nil
	t.engine.store.Commit(t.key, rec)
}

// runThunk executes the thunk synchronously under the key's commit lock.
// Nothing can interleave between its Current and Commit calls. If the
// generation moved on while the fetcher was building its plan, the thunk
// never runs: its read-modify-write would land on top of the newer value.
func (e *Engine) runThunk(ctx context.Context, key string, ks *keyState, gen uint64, f *Flight, thunk Thunk) {
	ks.lock.Lock()
	if ks.gen != gen {
		e.reg.complete(f, nil, quest_errors.ErrInvalidated)
		ks.lock.Unlock()
		e.dropStale(ctx, key, gen)
		return
	}
	txn := &Txn{engine: e, key: key, open: true}
	err := thunk(txn)
	txn.open = false
	rec, _ := e.store.Load(key)
	rec.Loading = false
	if err != nil {
		rec.Err = err
	}
	e.store.Commit(key, rec)
	if err != nil {
		e.reg.complete(f, nil, err)
	} else {
		e.reg.complete(f, rec.Data, nil)
	}
	ks.lock.Unlock()
	if err != nil {
		e.metrics.failed.Add(1)
		e.record(key, EventFailed, gen, err)
		e.log.WarnCtx(ctx, "thunk failed", "err", err)
		return
	}
	e.metrics.resolved.Add(1)
	e.record(key, EventResolved, gen, nil)
}
