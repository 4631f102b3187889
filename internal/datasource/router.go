// Package datasource implements the read/write datasource router: a
// flow-scoped routing gate that sends read-only transactional work to the
// replica pool and writes to the master pool. Grounded on the design
// notes' explicit rejection of a thread-local routing context in favor of
// an explicit per-flow context object released by a scoped-resource
// pattern (spec §4.7, §9).
package datasource

import "context"

// Pool names the two physical connection pools a routed operation may
// target.
type Pool string

const (
	Master  Pool = "MASTER"
	Replica Pool = "REPLICA"
)

type routeKey struct{}

// WithPool returns a context carrying the routing intent for the
// operations run within it. Default (no WithPool in the ancestor chain) is
// MASTER, safe for writes.
func WithPool(ctx context.Context, pool Pool) context.Context {
	return context.WithValue(ctx, routeKey{}, pool)
}

// PoolFromContext reports the routing intent carried by ctx, defaulting to
// MASTER when absent.
func PoolFromContext(ctx context.Context) Pool {
	if p, ok := ctx.Value(routeKey{}).(Pool); ok {
		return p
	}
	return Master
}

// Router holds the two physical connection pools. If the replica Conn is
// nil at construction, the replica pool aliases the master pool.
type Router struct {
	master  Conn
	replica Conn
}

// Conn is the minimal connection-pool handle the router dispatches to;
// callers supply their own concrete pool implementation (e.g. database/sql
// *sql.DB) satisfying this interface.
type Conn interface {
	Name() string
}

// NewRouter builds a Router. When replica is nil, master is used for both
// roles.
func NewRouter(master, replica Conn) *Router {
	if replica == nil {
		replica = master
	}
	return &Router{master: master, replica: replica}
}

// Acquire returns the connection for ctx's routing intent.
func (r *Router) Acquire(ctx context.Context) Conn {
	if PoolFromContext(ctx) == Replica {
		return r.replica
	}
	return r.master
}

// Do runs fn under a routing context scoped to readOnly: true routes to
// REPLICA, false to MASTER. The routing context is always cleared on exit,
// whether fn returns an error or not and even if fn panics, the scoped-
// resource-acquisition pattern the design notes call for in place of a
// thread-local.
func Do(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	pool := Master
	if readOnly {
		pool = Replica
	}
	scoped := WithPool(ctx, pool)
	return fn(scoped)
}
