/*
Package metrics defines and registers the registry's Prometheus metrics:
image counts by status, API request counts/latency, catalog retry counts,
object-store dispatcher byte counters, and scrubber cycle counters.

Most counters are incremented inline at the call site (pkg/api for API
metrics, pkg/catalog for retries, pkg/lifecycle for dispatcher bytes,
pkg/scrubber for cycles). registry_images_total is the exception: it is
a point-in-time gauge, so a Collector samples pkg/catalog.Store.CountsByStatus
on a fixed interval instead.

Handler exposes the registry for scraping; HealthHandler/ReadyHandler/
LivenessHandler back the process's /health, /ready and /live endpoints.
*/
package metrics
