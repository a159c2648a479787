// Package pebblestore wraps a Pebble database with the fsync policy and
// small helpers the job store needs: batched atomic updates, point reads
// that copy values, and bounded iterators. All higher-level keyspace
// layout lives in internal/jobqueue.
package pebblestore
