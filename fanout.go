package cloudapi

import (
	gocontext "context"

	"golang.org/x/sync/errgroup"
)

// Each applies fn to every machine with at most concurrency calls in
// flight, for caller-side fan-out over independent machines (stopping a
// fleet, say). The first error cancels the derived context handed to the
// remaining calls and is returned from Each. A non-positive concurrency
// runs everything at once.
//
// The session itself stays single-threaded per call and holds no locks;
// this helper exists so callers don't have to hand-roll the worker pool.
func Each(ctx gocontext.Context, machines []*Machine, concurrency int, fn func(gocontext.Context, *Machine) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, m := range machines {
		m := m
		g.Go(func() error {
			return fn(ctx, m)
		})
	}

	return g.Wait()
}
