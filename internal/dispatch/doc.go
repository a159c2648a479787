// Package dispatch runs the worker pool that drains the job queues.
//
// Each registered queue gets a configured number of worker slots. A
// slot loops: claim a job under a lease, call the scorer with the
// queue's timeout, then record the outcome. Retryable failures consult
// the queue's backoff policy; payloads the scorer rejected fail
// terminally without burning the remaining attempts. Worker slots are
// the bound on concurrent scorer calls.
//
// State transitions are published to a Broadcaster so outer layers can
// push updates without reaching into the queue.
package dispatch
