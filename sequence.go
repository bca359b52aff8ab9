package quest

import (
	"context"

	"github.com/djgrant/redux-quest/quest_errors"
)

// The optimistic update sequencer. All steps of a sequence start at once
// (the optimistic step typically settles long before the confirmed one),
// but their results are applied strictly in declared order: a step that
// settles early waits in its slot until every earlier step has been
// applied. The first rejection reverts the key to its pre-sequence
// snapshot, surfaces the reason as the record's Err, and stops the
// sequence. If a newer quest or ResolveQuest took the key over mid-way,
// the sequence neither commits nor reverts.

type stepResult struct {
	val any
	err error
}

func (e *Engine) runSequence(ctx context.Context, key string, ks *keyState, gen uint64, f *Flight, snap Record, steps []Run) {
	slots := make([]chan stepResult, len(steps))
	for i, step := range steps {
		slots[i] = make(chan stepResult, 1)
		go func(step Run, out chan<- stepResult) {
			val, err := step(ctx)
			out <- stepResult{val: val, err: err}
		}(step, slots[i])
	}

	var last any
	for i := range slots {
		res := <-slots[i]
		if res.err != nil {
			e.rollback(ctx, key, ks, gen, f, snap, res.err)
			return
		}
		if !e.applyStep(ctx, key, ks, gen, res.val) {
			e.reg.complete(f, nil, quest_errors.ErrInvalidated)
			e.dropStale(ctx, key, gen)
			return
		}
		last = res.val
	}
	e.reg.complete(f, last, nil)
	e.metrics.resolved.Add(1)
	e.record(key, EventResolved, gen, nil)
	e.log.DebugCtx(ctx, "sequence settled", "steps", len(steps))
}

// applyStep commits one resolved step. Reports false when the sequence
// has been superseded and must stop silently.
func (e *Engine) applyStep(ctx context.Context, key string, ks *keyState, gen uint64, val any) bool {
	ks.lock.Lock()
	if ks.gen != gen {
		ks.lock.Unlock()
		return false
	}
	rec, _ := e.store.Load(key)
	rec.Data = val
	rec.Completed = true
	rec.Loading = false
	rec.Err = nil
	e.store.Commit(key, rec)
	ks.lock.Unlock()
	e.record(key, EventApplied, gen, nil)
	e.log.DebugCtx(ctx, "sequence step applied")
	return true
}

func (e *Engine) rollback(ctx context.Context, key string, ks *keyState, gen uint64, f *Flight, snap Record, cause error) {
	ks.lock.Lock()
	if ks.gen != gen {
		e.reg.complete(f, nil, cause)
		ks.lock.Unlock()
		e.dropStale(ctx, key, gen)
		return
	}
	rec, _ := e.store.Load(key)
	rec.Data = snap.Data
	rec.Completed = snap.Completed
	rec.Err = cause
	rec.Loading = false
	e.store.Commit(key, rec)
	e.reg.complete(f, nil, cause)
	ks.lock.Unlock()
	e.metrics.rollbacks.Add(1)
	e.metrics.failed.Add(1)
	e.record(key, EventRolledBack, gen, cause)
	e.log.WarnCtx(ctx, "sequence rolled back", "err", cause)
}
