// Package atomicfile replaces files so readers see either the old or the new
// contents, never a partial write.
//
// Write creates a temp file next to the target, writes and fsyncs it, sets
// the permissions, renames it over the target and finally fsyncs the parent
// directory so the rename itself survives a crash. The queue, the
// fingerprint file and the metrics textfile all go through it.
package atomicfile
