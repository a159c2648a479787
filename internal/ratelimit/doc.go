// Package ratelimit implements per-key sliding-window admission control.
//
// Each client key (IP address or authenticated user id) maps to a log of
// request timestamps inside the configured window. Admission prunes the
// log, then either appends the current request or rejects with the time
// at which budget returns. A timestamp log, rather than fixed-bucket
// counting, keeps a burst straddling a bucket boundary from being
// admitted twice over.
//
// The window state lives behind the Store interface. The default store
// is in-process memory, which makes the limit a single-instance
// guarantee; a Redis-backed store is available for deployments that
// already run Redis. Admission never returns an error to the caller: a
// decision is always produced, and store failures degrade to allowing
// the request.
package ratelimit
