// Package highlight detects chat activity bursts in a recording and
// aligns the burst sets of two recordings of the same underlying moment.
//
// Detection resamples messages into a per-second rate, smooths it with an
// EWMA, scores each second against a trailing median/MAD baseline, and
// turns over-threshold runs into merged, expanded event intervals. All
// offsets in an interval are whole seconds relative to the recording's
// first message.
//
// Matching estimates the global time shift between two recordings from a
// weighted histogram of peak-time deltas, then greedily resolves
// window-bounded candidate pairs into a one-to-one correspondence.
//
// Both entry points are pure functions over in-memory data: no I/O, no
// shared state. Callers may run any number of detections concurrently.
package highlight
