package quest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/djgrant/redux-quest/quest_errors"
)

func testEngine(t *testing.T) (*Engine, *MemStore) {
	store := NewMemStore()
	engine, err := NewEngine(store, Options{})
	assert.Nil(t, err)
	return engine, store
}

// waitEvent polls the journal until an event of the given kind shows up
// for key. Settlement bookkeeping that happens after the commit lock is
// released has no channel to wait on, so the tests watch the journal.
func waitEvent(t *testing.T, engine *Engine, key string, kind EventKind) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range engine.History(key) {
			if ev.Kind == kind {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s event for key %q", kind, key)
}

func TestEngine_NoStore(t *testing.T) {
	engine, err := NewEngine(nil, Options{})
	assert.Nil(t, engine)
	assert.Equal(t, quest_errors.ErrNoStore, err)
}

func TestEngine_DefaultRecord(t *testing.T) {
	engine, _ := testEngine(t)
	rec := engine.Record("never-touched")
	assert.Equal(t, Record{Loading: false, Completed: false, Err: nil, Data: nil}, rec)
	assert.False(t, rec.HasData())
}

func TestEngine_FetchSuccess(t *testing.T) {
	engine, _ := testEngine(t)
	release := make(chan struct{})

	f, err := engine.StartQuest(context.Background(), "posts", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) {
			<-release
			return []string{"a", "b"}, nil
		})
	})
	assert.Nil(t, err)

	rec := engine.Record("posts")
	assert.True(t, rec.Loading)
	assert.False(t, rec.Completed)
	assert.Nil(t, rec.Data)

	close(release)
	val, ferr := f.Wait(context.Background())
	assert.Nil(t, ferr)
	assert.Equal(t, []string{"a", "b"}, val)

	rec = engine.Record("posts")
	assert.False(t, rec.Loading)
	assert.True(t, rec.Completed)
	assert.Nil(t, rec.Err)
	assert.Equal(t, []string{"a", "b"}, rec.Data)
}

func TestEngine_FetchFailureThenRecovery(t *testing.T) {
	engine, _ := testEngine(t)
	boom := errors.New("network down")

	f, err := engine.StartQuest(context.Background(), "posts", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) {
			return nil, boom
		})
	})
	assert.Nil(t, err)
	_, ferr := f.Wait(context.Background())
	assert.Equal(t, boom, ferr)

	rec := engine.Record("posts")
	assert.False(t, rec.Loading)
	assert.False(t, rec.Completed)
	assert.Equal(t, boom, rec.Err)
	assert.Nil(t, rec.Data)

	// a later success clears the error unconditionally
	f, err = engine.StartQuest(context.Background(), "posts", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) {
			return "recovered", nil
		})
	})
	assert.Nil(t, err)
	_, _ = f.Wait(context.Background())

	rec = engine.Record("posts")
	assert.Nil(t, rec.Err)
	assert.True(t, rec.Completed)
	assert.Equal(t, "recovered", rec.Data)
}

func TestEngine_ErrorPersistsWhileRetrying(t *testing.T) {
	engine, _ := testEngine(t)
	boom := errors.New("boom")

	f, _ := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) { return nil, boom })
	})
	_, _ = f.Wait(context.Background())

	release := make(chan struct{})
	_, err := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) {
			<-release
			return 1, nil
		})
	})
	assert.Nil(t, err)

	rec := engine.Record("k")
	assert.True(t, rec.Loading)
	assert.Equal(t, boom, rec.Err) // previous failure stays visible until settlement
	close(release)
}

func TestEngine_Deduplication(t *testing.T) {
	engine, _ := testEngine(t)
	release := make(chan struct{})
	var invocations atomic.Int32

	fetch := func(ctx context.Context) Plan {
		invocations.Add(1)
		return RunPlan(func(ctx context.Context) (any, error) {
			<-release
			return 42, nil
		})
	}

	f1, err := engine.StartQuest(context.Background(), "dup", fetch)
	assert.Nil(t, err)
	f2, err := engine.StartQuest(context.Background(), "dup", fetch)
	assert.Nil(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, int32(1), invocations.Load())

	close(release)
	v1, _ := f1.Wait(context.Background())
	v2, _ := f2.Wait(context.Background())
	assert.Equal(t, 42, v1)
	assert.Equal(t, v1, v2)

	// settled flights never block a future attempt
	f3, err := engine.StartQuest(context.Background(), "dup", fetch)
	assert.Nil(t, err)
	assert.NotSame(t, f1, f3)
	_, _ = f3.Wait(context.Background())
	assert.Equal(t, int32(2), invocations.Load())
}

func TestEngine_ResolveQuest(t *testing.T) {
	engine, _ := testEngine(t)
	engine.ResolveQuest(context.Background(), "direct", map[string]any{"id": 7})

	rec := engine.Record("direct")
	assert.False(t, rec.Loading)
	assert.True(t, rec.Completed)
	assert.Nil(t, rec.Err)
	assert.Equal(t, map[string]any{"id": 7}, rec.Data)
}

func TestEngine_ResolveQuestSupersedesInflight(t *testing.T) {
	engine, _ := testEngine(t)
	release := make(chan struct{})

	f, _ := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) {
			<-release
			return "late", nil
		})
	})

	engine.ResolveQuest(context.Background(), "k", "manual")
	val, err := f.Wait(context.Background()) // waiters resume with the direct value
	assert.Nil(t, err)
	assert.Equal(t, "manual", val)

	close(release)
	waitEvent(t, engine, "k", EventStale)

	rec := engine.Record("k")
	assert.Equal(t, "manual", rec.Data) // the stale fetch never landed
	assert.False(t, rec.Loading)
}

func TestEngine_ThunkSupersededByResolve(t *testing.T) {
	engine, _ := testEngine(t)
	engine.ResolveQuest(context.Background(), "counter", 10)

	entered := make(chan struct{})
	release := make(chan struct{})
	thunkRan := false

	done := make(chan *Flight, 1)
	go func() {
		// the fetcher blocks before handing back its plan, leaving a
		// window for a direct resolution to land first
		f, _ := engine.StartQuest(context.Background(), "counter", func(ctx context.Context) Plan {
			close(entered)
			<-release
			return ThunkPlan(func(txn *Txn) error {
				thunkRan = true
				txn.Commit(txn.Current().(int) + 1)
				return nil
			})
		})
		done <- f
	}()

	<-entered
	engine.ResolveQuest(context.Background(), "counter", 999)
	close(release)

	f := <-done
	val, err := f.Wait(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 999, val)

	waitEvent(t, engine, "counter", EventStale)
	assert.False(t, thunkRan) // the read-modify-write was skipped, not replayed
	assert.Equal(t, 999, engine.Data("counter"))
	assert.False(t, engine.Record("counter").Loading)
}

func TestEngine_Invalidate(t *testing.T) {
	engine, _ := testEngine(t)
	release := make(chan struct{})

	f, _ := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) {
			<-release
			return "late", nil
		})
	})

	engine.Invalidate("k")
	_, err := f.Wait(context.Background())
	assert.Equal(t, quest_errors.ErrInvalidated, err)
	assert.False(t, engine.Record("k").Loading)

	close(release)
	waitEvent(t, engine, "k", EventStale)
	assert.Nil(t, engine.Record("k").Data)
}

func TestEngine_Thunk(t *testing.T) {
	engine, _ := testEngine(t)
	engine.ResolveQuest(context.Background(), "counter", 10)

	f, err := engine.StartQuest(context.Background(), "counter", func(ctx context.Context) Plan {
		return ThunkPlan(func(txn *Txn) error {
			cur := txn.Current().(int)
			txn.Commit(cur + 1)
			assert.Equal(t, 11, txn.Current())
			return nil
		})
	})
	assert.Nil(t, err)

	val, ferr := f.Wait(context.Background())
	assert.Nil(t, ferr)
	assert.Equal(t, 11, val)

	rec := engine.Record("counter")
	assert.Equal(t, 11, rec.Data)
	assert.False(t, rec.Loading)
	assert.Nil(t, rec.Err)
}

func TestEngine_ThunkFailure(t *testing.T) {
	engine, _ := testEngine(t)
	engine.ResolveQuest(context.Background(), "counter", 10)
	boom := errors.New("nope")

	f, err := engine.StartQuest(context.Background(), "counter", func(ctx context.Context) Plan {
		return ThunkPlan(func(txn *Txn) error { return boom })
	})
	assert.Nil(t, err)
	_, ferr := f.Wait(context.Background())
	assert.Equal(t, boom, ferr)

	rec := engine.Record("counter")
	assert.Equal(t, boom, rec.Err)
	assert.Equal(t, 10, rec.Data)
	assert.False(t, rec.Loading)
}

func TestEngine_ThunkEscapePanics(t *testing.T) {
	engine, _ := testEngine(t)
	var escaped *Txn

	f, _ := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return ThunkPlan(func(txn *Txn) error {
			escaped = txn
			return nil
		})
	})
	_, _ = f.Wait(context.Background())

	assert.Panics(t, func() { escaped.Current() })
	assert.Panics(t, func() { escaped.Commit(1) })
}

func TestEngine_EmptyAndAmbiguousPlans(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.StartQuest(context.Background(), "k", nil)
	assert.Equal(t, quest_errors.ErrEmptyPlan, err)

	f, err := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return Plan{}
	})
	assert.Equal(t, quest_errors.ErrEmptyPlan, err)
	_, ferr := f.Wait(context.Background())
	assert.Equal(t, quest_errors.ErrEmptyPlan, ferr)
	assert.Equal(t, quest_errors.ErrEmptyPlan, engine.Record("k").Err)

	f, err = engine.StartQuest(context.Background(), "k2", func(ctx context.Context) Plan {
		return Plan{
			Run:   func(ctx context.Context) (any, error) { return 1, nil },
			Thunk: func(txn *Txn) error { return nil },
		}
	})
	assert.Equal(t, quest_errors.ErrAmbiguousPlan, err)
	_, ferr = f.Wait(context.Background())
	assert.Equal(t, quest_errors.ErrAmbiguousPlan, ferr)
}

func TestEngine_DifferentKeysRunConcurrently(t *testing.T) {
	engine, _ := testEngine(t)
	release := make(chan struct{})
	var wg sync.WaitGroup

	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		key := key
		go func() {
			defer wg.Done()
			f, err := engine.StartQuest(context.Background(), key, func(ctx context.Context) Plan {
				return RunPlan(func(ctx context.Context) (any, error) {
					<-release
					return key, nil
				})
			})
			assert.Nil(t, err)
			val, _ := f.Wait(context.Background())
			assert.Equal(t, key, val)
		}()
	}

	close(release)
	wg.Wait()
	for _, key := range []string{"a", "b", "c"} {
		assert.Equal(t, key, engine.Record(key).Data)
	}
}

func TestEngine_History(t *testing.T) {
	engine, _ := testEngine(t)

	f, _ := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) { return 1, nil })
	})
	_, _ = f.Wait(context.Background())
	waitEvent(t, engine, "k", EventResolved)

	events := engine.History("k")
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, "Started", events[0].Kind.String())
}

func TestEngine_NoJournal(t *testing.T) {
	engine, err := NewEngine(NewMemStore(), Options{NoJournal: true})
	assert.Nil(t, err)

	f, _ := engine.StartQuest(context.Background(), "k", func(ctx context.Context) Plan {
		return RunPlan(func(ctx context.Context) (any, error) { return 1, nil })
	})
	_, _ = f.Wait(context.Background())
	assert.Nil(t, engine.History("k"))
}
