// Package compute defines the capability interface the dispatch engine
// drives: derive work items from a seed, compute one item, compose the
// ordered results. Capabilities are stateless from the engine's point of
// view, and items and results are plain strings: the only data that ever
// crosses a worker isolation boundary or the wire.
package compute

import "context"

// Computation is one divisible computation a node can take part in.
// Implementations must be safe for concurrent ComputeItem calls.
type Computation interface {
	// ID names the computation on the discovery wire. Two nodes only
	// cooperate when their active computation IDs match.
	ID() string

	// DeriveItems splits a seed into an ordered sequence of work items.
	DeriveItems(ctx context.Context, seed string) ([]string, error)

	// ComputeItem resolves a single work item. An error means the item
	// stays unresolved and will be retried in a later cycle.
	ComputeItem(ctx context.Context, item string) (string, error)

	// ComposeResults folds the results, in original item order, into
	// the final result.
	ComposeResults(results []string) string
}

// funcComputation adapts three functions into a Computation.
type funcComputation struct {
	id      string
	derive  func(ctx context.Context, seed string) ([]string, error)
	compute func(ctx context.Context, item string) (string, error)
	compose func(results []string) string
}

// New builds a Computation from plain functions. This is the common path
// for applications that don't need a struct of their own.
func New(
	id string,
	derive func(ctx context.Context, seed string) ([]string, error),
	compute func(ctx context.Context, item string) (string, error),
	compose func(results []string) string,
) Computation {
	return &funcComputation{id: id, derive: derive, compute: compute, compose: compose}
}

func (f *funcComputation) ID() string { return f.id }

func (f *funcComputation) DeriveItems(ctx context.Context, seed string) ([]string, error) {
	return f.derive(ctx, seed)
}

func (f *funcComputation) ComputeItem(ctx context.Context, item string) (string, error) {
	return f.compute(ctx, item)
}

func (f *funcComputation) ComposeResults(results []string) string {
	return f.compose(results)
}
