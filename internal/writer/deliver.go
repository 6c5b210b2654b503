package writer

import "context"

// Outcome is the result of delivering one chunk of a batch.
type Outcome struct {
	Err error
	// ServerError marks failures on the remote side. Only these widen the
	// flush interval.
	ServerError bool
}

// Deliverer ships a batch. It returns one outcome per chunk it sent; an
// empty result means everything was delivered.
type Deliverer[E any] interface {
	Deliver(ctx context.Context, batch []E) []Outcome
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc[E any] func(ctx context.Context, batch []E) []Outcome

// Deliver implements Deliverer.
func (f DeliverFunc[E]) Deliver(ctx context.Context, batch []E) []Outcome {
	return f(ctx, batch)
}
