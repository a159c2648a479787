// Package scorer is the client for the external classification service.
//
// Workers hand it a scan payload and get back a structured verdict or a
// typed failure. The failure kind drives the retry decision upstream:
// connection and availability problems are worth retrying, a payload the
// service rejected is not. Calls are paced with a token bucket so the
// worker pool cannot overrun the service even when every slot is busy.
package scorer
