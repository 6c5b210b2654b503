package activation

import (
	"context"
	"strconv"
	"sync/atomic"
)

// Unit identifies one execution unit: a goroutine, a worker, or a fiber
// multiplexed on top of one. Units are never reused within a process.
type Unit uint64

var lastUnit atomic.Uint64

// NewUnit returns a process-unique unit.
func NewUnit() Unit {
	return Unit(lastUnit.Add(1))
}

// String implements fmt.Stringer.
func (u Unit) String() string {
	return "unit-" + strconv.FormatUint(uint64(u), 10)
}

type unitCtxKey struct{}

// WithUnit returns a context carrying a fresh unit. Goroutines spawned to
// run tests should call this rather than reuse their parent's context, so
// they start without an active test.
func WithUnit(ctx context.Context) (context.Context, Unit) {
	u := NewUnit()
	return context.WithValue(ctx, unitCtxKey{}, u), u
}

// UnitFromContext returns the unit carried by ctx.
func UnitFromContext(ctx context.Context) (Unit, bool) {
	u, ok := ctx.Value(unitCtxKey{}).(Unit)
	return u, ok
}
