// Package sender is the entry point for submitting one record.
//
// Send attaches the session identity, posts the record once through the
// Connection and, if the collector does not take it, appends it to the
// durable queue. A rejection that ends up queued is a success for the
// caller; only a record that is neither delivered nor queued is reported
// as an error (ErrNotQueued). There is no retry and no batching here:
// draining the queue is the uploader's job.
//
// If ctx is cancelled before a rejected record is queued, Send returns
// ctx.Err() and leaves the queue alone.
package sender
