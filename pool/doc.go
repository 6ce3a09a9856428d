// Package pool keeps a bounded set of database clients, tracks the health
// of each one, and guards the database with a circuit breaker.
//
// Every checkout is exclusive: a client is never handed to two callers at
// once. Execute is the preferred entry point; it takes a breaker ticket,
// checks out a connection, runs the operation, records the outcome against
// both the connection and the breaker, and releases the connection on every
// exit path, including panics and cancellation.
//
// Cancellation: an operation that fails with context.Canceled leaves the
// connection's health untouched and is not counted against the breaker.
// context.DeadlineExceeded is an ordinary failure.
//
// A background loop probes idle connections, prunes unhealthy ones beyond
// MinSize, and refills the pool to MinSize. CheckHealth runs one iteration
// of that loop on demand.
package pool
