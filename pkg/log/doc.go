// Package log provides structured logging for scanq components.
//
// Components receive a Logger through their constructors and tag it with
// log.Component(...). Output is formatted as text or JSON and written to
// one or more Outputs (console by default). Standard-library logs (for
// example Pebble's) can be redirected through RedirectStdLog.
package log
