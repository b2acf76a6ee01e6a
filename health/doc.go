// Package health aggregates component probes into the gateway's /health
// report.
//
// A Monitor holds named probes. Report runs each one and folds the results:
// any unhealthy probe makes the report unhealthy, otherwise any degraded
// probe makes it degraded. Messages derived from errors are scrubbed of
// URLs, addresses and credentials before they are exposed.
//
//	m := health.NewMonitor()
//	m.Register("nats", func(ctx context.Context) health.Status {
//	    if !client.IsHealthy() {
//	        return health.NewUnhealthy("nats", "not connected")
//	    }
//	    return health.NewHealthy("nats", "connected")
//	})
//	report := m.Report(ctx, "wsbridge")
package health
