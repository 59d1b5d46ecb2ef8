// Package platformtest provides platform fixtures and fault injection for tests.
package platformtest

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/envsync/internal/platform"
)

// Op names a platform primitive for fault matching.
type Op string

const (
	OpClone          Op = "clone"
	OpDrop           Op = "drop"
	OpExists         Op = "exists"
	OpList           Op = "list"
	OpCountRelations Op = "count_relations"
	OpListRelations  Op = "list_relations"
	OpCatalog        Op = "catalog"
	OpCountRows      Op = "count_rows"
	OpUpdate         Op = "update"
)

// Fault makes matching calls fail.
type Fault struct {
	Op Op

	// Env matches the environment argument (the destination for clone).
	// Empty matches any.
	Env string

	// Src matches the clone source. Empty matches any.
	Src string

	// Table matches the predicate table for row operations. Empty matches any.
	Table string

	// Err is returned by matching calls. Nil with a Delay only slows the call.
	Err error

	// Times limits how many calls the fault affects. Zero means every call.
	Times int

	// Delay is waited before the call proceeds, honouring ctx.
	Delay time.Duration

	// Passthrough runs the real operation before returning Err.
	Passthrough bool
}

// Call records one invocation seen by Faulty.
type Call struct {
	Op  Op
	Env string
	Src string
}

type activeFault struct {
	Fault
	hits int
}

// Faulty wraps a platform and injects faults into selected calls.
//
// Thread-safety: Faulty is safe for concurrent use.
type Faulty struct {
	inner platform.Platform

	mu     sync.Mutex
	faults []*activeFault
	calls  []Call
}

// Wrap returns a fault-injecting view of p.
func Wrap(p platform.Platform) *Faulty {
	return &Faulty{inner: p}
}

// Inject adds a fault. Faults are matched in insertion order.
func (f *Faulty) Inject(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, &activeFault{Fault: fault})
}

// Reset removes all faults and forgets recorded calls.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
	f.calls = nil
}

// Calls returns the calls seen so far.
func (f *Faulty) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the calls for one op.
func (f *Faulty) CallsTo(op Op) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// intercept records the call and returns the fault to apply, if any.
func (f *Faulty) intercept(op Op, env, src, table string) *Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Env: env, Src: src})

	for _, af := range f.faults {
		if af.Op != op {
			continue
		}
		if af.Env != "" && af.Env != env {
			continue
		}
		if af.Src != "" && af.Src != src {
			continue
		}
		if af.Table != "" && af.Table != table {
			continue
		}
		if af.Times > 0 && af.hits >= af.Times {
			continue
		}
		af.hits++
		fault := af.Fault
		return &fault
	}
	return nil
}

// apply runs the fault protocol around call. It returns handled=true when the
// caller must return err instead of calling the real method.
func apply(ctx context.Context, fault *Fault, call func() error) (handled bool, err error) {
	if fault == nil {
		return false, nil
	}
	if fault.Delay > 0 {
		timer := time.NewTimer(fault.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-timer.C:
		}
	}
	if fault.Err == nil {
		return false, nil
	}
	if fault.Passthrough {
		_ = call()
	}
	return true, fault.Err
}

func (f *Faulty) CloneEnvironment(ctx context.Context, src, dst string) error {
	call := func() error { return f.inner.CloneEnvironment(ctx, src, dst) }
	if handled, err := apply(ctx, f.intercept(OpClone, dst, src, ""), call); handled {
		return err
	}
	return call()
}

func (f *Faulty) DropEnvironment(ctx context.Context, name string) error {
	call := func() error { return f.inner.DropEnvironment(ctx, name) }
	if handled, err := apply(ctx, f.intercept(OpDrop, name, "", ""), call); handled {
		return err
	}
	return call()
}

func (f *Faulty) EnvironmentExists(ctx context.Context, name string) (bool, error) {
	if handled, err := apply(ctx, f.intercept(OpExists, name, "", ""), noop); handled {
		return false, err
	}
	return f.inner.EnvironmentExists(ctx, name)
}

func (f *Faulty) ListEnvironments(ctx context.Context, prefix string) ([]platform.Listing, error) {
	if handled, err := apply(ctx, f.intercept(OpList, prefix, "", ""), noop); handled {
		return nil, err
	}
	return f.inner.ListEnvironments(ctx, prefix)
}

func (f *Faulty) CountRelations(ctx context.Context, env string) (int, error) {
	if handled, err := apply(ctx, f.intercept(OpCountRelations, env, "", ""), noop); handled {
		return 0, err
	}
	return f.inner.CountRelations(ctx, env)
}

func (f *Faulty) ListRelations(ctx context.Context, env string) ([]string, error) {
	if handled, err := apply(ctx, f.intercept(OpListRelations, env, "", ""), noop); handled {
		return nil, err
	}
	return f.inner.ListRelations(ctx, env)
}

func (f *Faulty) ListCatalogColumns(ctx context.Context, env string, excludeSchemas []string) ([]platform.CatalogColumn, error) {
	if handled, err := apply(ctx, f.intercept(OpCatalog, env, "", ""), noop); handled {
		return nil, err
	}
	return f.inner.ListCatalogColumns(ctx, env, excludeSchemas)
}

func (f *Faulty) CountRows(ctx context.Context, env string, p platform.Predicate) (int64, error) {
	if handled, err := apply(ctx, f.intercept(OpCountRows, env, "", p.Table), noop); handled {
		return 0, err
	}
	return f.inner.CountRows(ctx, env, p)
}

func (f *Faulty) ExecuteUpdate(ctx context.Context, env string, p platform.Predicate, rw platform.Rewrite) (int64, error) {
	var n int64
	call := func() error {
		var err error
		n, err = f.inner.ExecuteUpdate(ctx, env, p, rw)
		return err
	}
	if handled, err := apply(ctx, f.intercept(OpUpdate, env, "", p.Table), call); handled {
		return n, err
	}
	if err := call(); err != nil {
		return 0, err
	}
	return n, nil
}

func (f *Faulty) Close() error {
	return f.inner.Close()
}

func noop() error { return nil }

var _ platform.Platform = (*Faulty)(nil)
