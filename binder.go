package quest

import (
	"context"
	"fmt"
	"sync"

	"github.com/djgrant/redux-quest/quest_errors"
)

// BindOptions governs when a binding fetches. None of these touch the
// engine's own contract; they only decide whether StartQuest gets called.
type BindOptions struct {
	// FetchOnServer allows the initial fetch during a server render.
	// nil means true.
	FetchOnServer *bool
	// FetchOnce skips the mount fetch when the record has completed
	// before. FetchOnceWhen generalizes it: return true to skip.
	FetchOnce     bool
	FetchOnceWhen func(rec Record) bool
	// Deferred suppresses the eager mount fetch entirely; the caller
	// triggers explicitly via Trigger or Call.
	Deferred bool
	// RefetchWhen is consulted on every Update with the previous and
	// next query.
	RefetchWhen func(prev, next Query) bool
	// MapData transforms the record's data before it reaches Props.
	MapData func(data any) any
	// DefaultData substitutes for nil data; a func() any is called lazily.
	DefaultData any
	// WaitForData makes RenderServer block until the fetch settles.
	WaitForData bool
}

func (o *BindOptions) SetDefaults() {
	if o.FetchOnServer == nil {
		t := true
		o.FetchOnServer = &t
	}
}

// Props is what a binding hands to its view on every render.
type Props struct {
	Record Record
	Data   any
}

// Binding wires one resolver to one engine key and makes the mount/update
// fetch decisions for a consumer's lifecycle.
type Binding struct {
	engine *Engine
	res    Resolver
	opts   BindOptions

	lock  sync.Mutex
	query Query
}

// Bind validates the resolver and builds a binding. A resolver missing
// its key or get capability is rejected here, before any quest starts.
func Bind(engine *Engine, res Resolver, opts BindOptions) (*Binding, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	opts.SetDefaults()
	return &Binding{engine: engine, res: res, opts: opts}, nil
}

func (b *Binding) Key() string {
	return b.res.Key
}

// Mount records the initial query and decides the eager fetch. Deferred
// bindings never fetch here; FetchOnce bindings skip the fetch when the
// record already satisfies them.
func (b *Binding) Mount(ctx context.Context, q Query) (*Flight, error) {
	b.lock.Lock()
	b.query = q
	b.lock.Unlock()
	if b.opts.Deferred {
		return nil, nil
	}
	if b.satisfied() {
		return nil, nil
	}
	return b.Trigger(ctx, q)
}

// Update replaces the binding's query and refetches when the caller's
// predicate says the change warrants it.
func (b *Binding) Update(ctx context.Context, next Query) (*Flight, error) {
	b.lock.Lock()
	prev := b.query
	b.query = next
	b.lock.Unlock()
	if b.opts.RefetchWhen != nil && b.opts.RefetchWhen(prev, next) {
		return b.Trigger(ctx, next)
	}
	return nil, nil
}

// Trigger starts the get quest with the query-merging convention applied.
func (b *Binding) Trigger(ctx context.Context, q Query) (*Flight, error) {
	merged := b.mergeQuery(q)
	return b.engine.StartQuest(ctx, b.res.Key, func(ctx context.Context) Plan {
		return b.res.Get(ctx, merged)
	})
}

// Call invokes a named mutation capability of the resolver.
func (b *Binding) Call(ctx context.Context, method string, q Query) (*Flight, error) {
	capability, ok := b.res.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", quest_errors.ErrNoMethod, b.res.Key, method)
	}
	merged := b.mergeQuery(q)
	return b.engine.StartQuest(ctx, b.res.Key, func(ctx context.Context) Plan {
		return capability(ctx, merged)
	})
}

// Props reads the current record, defaulting and mapping its data.
func (b *Binding) Props() Props {
	rec := b.engine.Record(b.res.Key)
	data := rec.Data
	if data == nil && b.opts.DefaultData != nil {
		if fn, ok := b.opts.DefaultData.(func() any); ok {
			data = fn()
		} else {
			data = b.opts.DefaultData
		}
	}
	if b.opts.MapData != nil {
		data = b.opts.MapData(data)
	}
	return Props{Record: rec, Data: data}
}

// RenderServer performs the server-side render pass: fetch unless
// configured not to, then either return immediately with whatever is
// committed or hold for settlement when WaitForData is set. Fetch
// failures are not returned; they are observable on the record.
func (b *Binding) RenderServer(ctx context.Context, q Query) (Props, error) {
	b.lock.Lock()
	b.query = q
	b.lock.Unlock()
	if !*b.opts.FetchOnServer {
		return b.Props(), nil
	}
	f, err := b.Trigger(ctx, q)
	if err != nil {
		return b.Props(), err
	}
	if b.opts.WaitForData && f != nil {
		if _, err := f.Wait(ctx); err != nil && ctx.Err() != nil {
			return b.Props(), ctx.Err()
		}
	}
	return b.Props(), nil
}

// Watch subscribes the consumer's re-render hook to the key's commits.
func (b *Binding) Watch(fn func(Record)) (cancel func()) {
	return b.engine.Watch(b.res.Key, func(_ string, rec Record) {
		fn(rec)
	})
}

func (b *Binding) satisfied() bool {
	rec := b.engine.Record(b.res.Key)
	if b.opts.FetchOnceWhen != nil {
		return b.opts.FetchOnceWhen(rec)
	}
	return b.opts.FetchOnce && rec.Completed
}

// mergeQuery overlays the caller's query on the record's current data
// when that data is map-shaped, so mutation capabilities see both what
// is stored and what the caller wants changed.
func (b *Binding) mergeQuery(q Query) Query {
	merged := Query{}
	switch cur := b.engine.Data(b.res.Key).(type) {
	case Query:
		for k, v := range cur {
			merged[k] = v
		}
	case map[string]any:
		for k, v := range cur {
			merged[k] = v
		}
	}
	for k, v := range q {
		merged[k] = v
	}
	return merged
}
