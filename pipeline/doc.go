// Package pipeline contains the background jobs that keep the database
// current: the detection worker that turns raw chat into highlight events,
// the Helix catalog sync, chat log imports, the retention sweep and the
// analytics sweep. Jobs are plain loops driven by a context; they log and
// continue on per-item failures and only stop when the context is done.
package pipeline
