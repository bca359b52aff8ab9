package quest

import (
	"context"

	"github.com/djgrant/redux-quest/quest_errors"
)

// Query is the argument a capability is invoked with. The binder merges a
// caller-supplied query over the record's current data before invocation.
type Query map[string]any

// Run produces one value asynchronously. The engine invokes it in its own
// goroutine; returning an error rejects the quest.
type Run func(ctx context.Context) (any, error)

// Thunk is the atomic read-modify-write shape: it receives a transaction
// whose Current and Commit must both be used before the thunk returns.
// There is no asynchronous gap between a Current call and a Commit call,
// so two interleaved quests cannot lose an update.
type Thunk func(txn *Txn) error

// Fetcher is what StartQuest invokes, at most once per in-flight period.
type Fetcher func(ctx context.Context) Plan

// Plan is a capability's tagged result: exactly one of the three shapes
// must be set. Steps declares an optimistic sequence applied in order.
type Plan struct {
	Run   Run
	Thunk Thunk
	Steps []Run
}

func (p Plan) validate() error {
	n := 0
	if p.Run != nil {
		n++
	}
	if p.Thunk != nil {
		n++
	}
	if len(p.Steps) > 0 {
		n++
	}
	switch n {
	case 0:
		return quest_errors.ErrEmptyPlan
	case 1:
		return nil
	default:
		return quest_errors.ErrAmbiguousPlan
	}
}

func RunPlan(run Run) Plan {
	return Plan{Run: run}
}

func ThunkPlan(t Thunk) Plan {
	return Plan{Thunk: t}
}

func StepsPlan(steps ...Run) Plan {
	return Plan{Steps: steps}
}

// Capability is one named operation of a resolver.
type Capability func(ctx context.Context, q Query) Plan

// Resolver declares how a keyed resource is fetched and mutated. Get is
// mandatory; Methods carries the named mutation capabilities. The set is
// fixed at configuration time, there is no runtime discovery.
type Resolver struct {
	Key     string
	Get     Capability
	Methods map[string]Capability
}

// Validate fails fast on a malformed resolver. This is a programmer
// error: callers must abort setup, not degrade.
func (r Resolver) Validate() error {
	if r.Key == "" {
		return quest_errors.ErrNoKey
	}
	if r.Get == nil {
		return quest_errors.ErrNoGet
	}
	return nil
}
