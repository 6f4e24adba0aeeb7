// Package connection uploads one record at a time to the metrics collector.
//
// New(cfg) reads the endpoint file once; the upload URI is
// <endpoint>/<uri_context>. PostForm wraps the record together with the
// session identity as
//
//	{"<form_param_name>": {...record fields..., "fingerprint": "...", "machine": 123}}
//
// and POSTs it with Content-Type application/x-www-form-urlencoded. HTTP 200
// is Delivered; every other status and every transport failure is Rejected.
// Rejection is an expected outcome and is returned as a value, never as an
// error.
//
// Authentication (basic, mTLS) is applied by authRoundTripper; gzip request
// compression is optional.
package connection
