// Package mockcollector is a stand-in for the remote metrics collector, used
// by the agent's tests and by the emitter-collector binary for smoke tests.
//
// It accepts POSTs on /<uri context>, optionally behind HTTP basic auth, and
// answers according to its Behavior:
//   - AlwaysAccept: 200, the decoded body is kept
//   - AlwaysReject: 404
//   - SometimesReject: call n is accepted when n%4 is 0 or 1, so four
//     sequential uploads go accept, reject, reject, accept
//
// Bodies sent with Content-Encoding: gzip are decompressed first.
package mockcollector
