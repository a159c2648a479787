// Package httpserver exposes the JSON API: scan submission, job status
// and cancellation, per-queue statistics, a job event stream, and a
// health check. Routes live under /v1. Scan submissions pass through
// the rate limiter before touching a queue.
package httpserver
