// Package resilience provides the failure-handling primitives that guard
// the document database.
//
//   - CircuitBreaker: stops calling a failing dependency for a cooldown
//     period after consecutive failures. Backed by sony/gobreaker.
//
//   - Bulkhead: bounds concurrent holders of a resource and queues callers
//     for a bounded time.
//
//   - Retry: retries transient failures with exponential, linear or
//     constant backoff.
//
//   - Timeout: bounds a single operation with a deadline.
//
// # Usage
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//	    FailureThreshold: 5,
//	    SuccessThreshold: 2,
//	    Timeout:          time.Minute,
//	})
//
//	done, err := cb.Allow()
//	if err != nil {
//	    return err // resilience.ErrCircuitOpen
//	}
//	err = callDatabase(ctx)
//	done(err)
package resilience
