// Package queue is the agent's durable store for records that could not be
// delivered.
//
// The backing file is a single JSON array of records, keys in submission
// order, e.g.
//
//	[{"message":"bar","timestamp":2002,"bug":false},{"message":"biz","timestamp":2003,"bug":true}]
//
// Append and TrimFront rewrite the file with atomicfile.Write while holding
// the queue mutex. ReadAll never removes entries; draining is the uploader's
// job and goes through TrimFront.
//
// A missing or empty file is an empty queue. A file that does not parse fails
// Open with ErrCorrupt rather than being reset, so lost data is never mistaken
// for an empty queue.
package queue
