// Package worker runs independent items concurrently with a bounded number of
// goroutines. Batch mode uses it to map many source files at once.
package worker

import (
	"context"
	"sync"
	"time"
)

type FailurePolicy int

const (
	// FailurePolicyPartialOutput records failures per item and keeps going.
	FailurePolicyPartialOutput FailurePolicy = iota
	// FailurePolicyFailFast stops starting new items after the first failure
	// and returns that failure.
	FailurePolicyFailFast
)

// Options configures ProcessAll. There is no retry: a failed item is
// reported and the caller decides whether to rerun it.
type Options struct {
	Workers int

	// ItemTimeout bounds a single item. Zero means no bound.
	ItemTimeout time.Duration

	FailurePolicy FailurePolicy
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ItemTimeout < 0 {
		o.ItemTimeout = 0
	}
	return o
}

// ProcessAll runs processor over every item. Results are returned in input
// order.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, processor, nil, opts)
}

// ProcessAllWithCallback is ProcessAll with onResult called once per finished
// item, in completion order. Calls to onResult never overlap. A callback error
// stops the run like a fail-fast failure.
//
// When the run stops early, or ctx ends, the results are discarded and the
// first error is returned.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	onResult func(Result[In, Out]) error,
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.withDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]Result[In, Out], len(items))
	slots := make(chan struct{}, opts.Workers)

	var wg sync.WaitGroup
	// mu guards stopErr and serializes onResult.
	var mu sync.Mutex
	var stopErr error
	stop := func(err error) {
		if stopErr == nil {
			stopErr = err
			cancel()
		}
	}

	finish := func(idx int, res Result[In, Out]) {
		mu.Lock()
		defer mu.Unlock()
		out[idx] = res
		if res.Err != nil && opts.FailurePolicy == FailurePolicyFailFast {
			stop(res.Err)
		}
		if onResult != nil {
			if err := onResult(res); err != nil {
				stop(err)
			}
		}
	}

dispatch:
	for i, item := range items {
		select {
		case slots <- struct{}{}:
		case <-runCtx.Done():
			break dispatch
		}
		// Both cases may have been ready; a stopped run starts nothing new.
		if runCtx.Err() != nil {
			<-slots
			break
		}

		wg.Add(1)
		go func(idx int, in In) {
			defer wg.Done()
			res := processOne(runCtx, in, processor, opts)
			finish(idx, res)
			<-slots
		}(i, item)
	}
	wg.Wait()

	mu.Lock()
	err := stopErr
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func processOne[In any, Out any](
	ctx context.Context,
	item In,
	processor func(context.Context, In) (Out, error),
	opts Options,
) Result[In, Out] {
	if opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ItemTimeout)
		defer cancel()
	}
	out, err := processor(ctx, item)
	return Result[In, Out]{Input: item, Output: out, Err: err}
}
