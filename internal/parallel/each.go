package parallel

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Each calls fn for every item with at most limit calls running at once and
// waits for all of them. A failing call does not cancel the others; their
// errors are joined in item order. A limit below one means no limit.
//
// Each stops starting new calls once ctx is done and returns ctx.Err()
// together with the errors collected so far.
func Each[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return fn(ctx, items[0])
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	var mx sync.Mutex
	errs := make([]error, len(items))
	var ctxErr error
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		g.Go(func() error {
			err := fn(ctx, item)
			if err != nil {
				mx.Lock()
				errs[i] = err
				mx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(append(errs, ctxErr)...)
}
