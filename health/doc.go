// Package health reports whether the database layer can serve traffic.
//
// A Checker reports one component's Status: Healthy, Degraded, or Unhealthy.
// The connection pool exposes a Checker that turns unhealthy when its circuit
// breaker opens or no healthy connection remains; ProbeChecker wraps a plain
// liveness call with a deadline.
//
// # Aggregating
//
//	agg := health.NewAggregator()
//	agg.Register("pool", manager.Checker())
//	agg.Register("database", health.NewProbeChecker("database", client.Probe, health.ProbeCheckerConfig{}))
//
//	report := agg.Report(ctx)
//	if report.Status == health.StatusUnhealthy {
//	    ...
//	}
//
// # HTTP Endpoints
//
// Mount registers the probe endpoints on a chi router:
//
//	r := chi.NewRouter()
//	health.Mount(r, agg)
//
//	GET /healthz         liveness, always 200
//	GET /readyz          200 unless any check is unhealthy
//	GET /health          JSON report of every check
//	GET /health/{name}   JSON result of one check
package health
