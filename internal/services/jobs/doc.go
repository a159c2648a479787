// Package jobs provides the job submission and status operations over
// the runtime. It validates queue names against the registry, shapes
// job records for API consumers, and aggregates per-queue statistics.
package jobs
