// Package receiver turns accepted uploads into installation store entries.
//
// Each upload body is {"<form param>": {..., "fingerprint": "...", "machine": N}}.
// Receiver.Store unwraps the payload, takes the identity members off it and
// calls store.Put with the remaining record. Authentication and the
// accept/reject decision happen earlier, in the collector handler.
package receiver
