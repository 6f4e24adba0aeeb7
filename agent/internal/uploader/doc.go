// Package uploader drains the durable queue in the background.
//
// Flush posts queued records oldest first and stops at the first rejection,
// so records leave the queue in the order they were submitted. Only the
// delivered prefix is trimmed; anything appended by a concurrent Send while a
// flush is running stays queued.
//
// Run flushes every flush_interval. When a flush is cut short it retries with
// truncated exponential backoff (1s→60s, ±25% jitter) until the collector
// takes the queue again.
package uploader
