// Package jobqueue implements the scan-job store: per-queue job records
// with priority ordering, lease-based claims, retry backoff, and bounded
// terminal retention.
//
// # Keyspace
//
// All keys are prefixed with q/{queue}/:
//
//	job/{id}                 - Job record (JSON)
//	ready/{priority}/{id}    - Ready index; claim scans this in key order
//	delay/{run_at_ms}/{id}   - Backoff/delay index; promoted to ready when due
//	lease/{expires_ms}/{id}  - Active lease expiry index for stall reclaim
//	done/{at_ms}/{id}        - Terminal COMPLETED (and CANCELLED) index
//	failed/{at_ms}/{id}      - Terminal FAILED index
//
// IDs are time-ordered (pkg/id), so within a priority band the ready index
// yields FIFO service.
//
// # Job Lifecycle
//
//	WAITING -> ACTIVE      claim: lease written, attempts incremented
//	ACTIVE  -> COMPLETED   complete: result recorded, done index written
//	ACTIVE  -> WAITING     fail with attempts < maxAttempts: delay index
//	                       written at now + backoff(attempts)
//	ACTIVE  -> FAILED      fail with attempts == maxAttempts, or a
//	                       non-retryable failure
//	WAITING -> CANCELLED   cancel; ACTIVE jobs cannot be cancelled
//	ACTIVE  -> WAITING     lease expiry (stall); the claim already consumed
//	                       the attempt, so a stalled job at the attempt
//	                       ceiling goes terminal instead
//
// # Concurrency
//
// Every state transition runs under the queue mutex and commits as a
// single Pebble batch, so two workers racing on a claim can never both
// own a job. Methods take a nowMs argument; <= 0 means time.Now, tests
// pass explicit clocks.
package jobqueue
