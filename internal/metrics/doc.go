// Package metrics provides an observability framework for build master metrics.
//
// The package implements the Null Object pattern so components never need
// explicit nil checks: by default everything uses NoopRecorder, whose no-op
// methods inline to nothing at compile time.
//
// Components receive a Recorder through dependency injection:
//
//	queue := queue.New(project, store, repo, queue.Options{
//	    Metrics: metrics.NoopRecorder{}, // Default: no metrics
//	})
//
// To enable metrics, swap NoopRecorder for a real implementation:
//
//	recorder := metrics.NewPrometheusRecorder(registry)
//	queue := queue.New(project, store, repo, queue.Options{Metrics: recorder})
//
// This approach allows:
//   - Zero overhead when metrics are disabled (noop methods inline away)
//   - Metrics activation without code changes (just swap implementation)
//   - Clean testing (inject mock recorder for verification)
package metrics
