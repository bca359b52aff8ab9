package quest

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Flight is the in-flight settlement for one key. Every caller that asks
// for the same key while a fetch is pending shares the same Flight and
// observes the same eventual outcome. A Flight settles exactly once.
type Flight struct {
	key  string
	gen  uint64
	done chan struct{}
	once sync.Once
	val  any
	err  error
}

func newFlight(key string, gen uint64) *Flight {
	return &Flight{key: key, gen: gen, done: make(chan struct{})}
}

func (f *Flight) Key() string {
	return f.key
}

// Done is closed when the flight settles, success or failure.
func (f *Flight) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until settlement or ctx cancellation. A fetch failure is
// returned here for the waiter's convenience; the authoritative place it
// lands is the Record's Err field.
func (f *Flight) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.val, f.err
	}
}

// Result is only meaningful after Done is closed.
func (f *Flight) Result() (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		return nil, nil
	}
}

func (f *Flight) settle(val any, err error) {
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
	})
}

// Registry tracks at most one unsettled Flight per key. It is owned by an
// Engine instance, never process-global, so independent engines (one per
// test, say) cannot leak entries into each other.
type Registry struct {
	flights *xsync.MapOf[string, *Flight]
}

func NewRegistry() *Registry {
	return &Registry{flights: xsync.NewMapOf[string, *Flight]()}
}

// Register stores a fresh flight for key unless one is already pending.
// loaded reports whether an existing flight was returned.
func (r *Registry) Register(key string, gen uint64) (f *Flight, loaded bool) {
	return r.flights.LoadOrStore(key, newFlight(key, gen))
}

// Peek is the non-blocking lookup a synchronous render pass uses to decide
// whether it must await this key before producing output.
func (r *Registry) Peek(key string) *Flight {
	f, _ := r.flights.Load(key)
	return f
}

func (r *Registry) Len() int {
	return r.flights.Size()
}

// complete removes the entry and settles the flight. Removal happens
// first, unconditionally, so a stale entry can never block a future
// attempt and Peek never returns a settled flight.
func (r *Registry) complete(f *Flight, val any, err error) {
	r.flights.Compute(f.key, func(old *Flight, loaded bool) (*Flight, bool) {
		if loaded && old != f {
			return old, false
		}
		return nil, true
	})
	f.settle(val, err)
}

// WaitAll blocks until every flight pending at call time has settled.
// Flights registered afterwards are not waited on.
func (r *Registry) WaitAll(ctx context.Context) error {
	pending := make([]*Flight, 0, r.flights.Size())
	r.flights.Range(func(_ string, f *Flight) bool {
		pending = append(pending, f)
		return true
	})
	for _, f := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
		}
	}
	return nil
}
