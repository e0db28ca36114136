// Package api implements the HTTP transport shim: request
// parsing, x-image-meta-* header↔struct mapping, JSON listing and
// membership bodies, and octet-stream body proxying, in front of
// pkg/registry and pkg/lifecycle.
//
// Server is one type wrapping the collaborators it dispatches to, a
// constructor that wires every route up front, and a blocking Start.
// requestContext resolves the caller's identity from the trusted
// X-Identity-Status headers before each handler touches state.
package api
