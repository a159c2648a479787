// Package id generates 128-bit, time-ordered job identifiers.
//
// An ID encodes [8 bytes ms timestamp][8 bytes sequence] big-endian, so
// lexical order equals creation order. Job stores rely on this: within a
// priority band, iterating IDs in key order yields FIFO service.
package id
