package core

import "context"

// Processor handles one work item. Batch mode runs one per source file on the
// worker pool.
type Processor[In any, Out any] interface {
	Process(ctx context.Context, in In) (Out, error)
}

// ProcessFunc adapts a function to Processor.
type ProcessFunc[In any, Out any] func(ctx context.Context, in In) (Out, error)

func (f ProcessFunc[In, Out]) Process(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}
