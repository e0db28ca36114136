// Package client implements the HTTP client SDK: a thin
// wrapper around net/http speaking the x-image-meta-* header protocol
// of pkg/api, for programs that want to create, query, and stream
// image bodies without reimplementing the wire format by hand.
//
// One struct wraps a transport handle and a server address, with a
// constructor, a Close, and one method per server operation. Each
// method is bounded by its own context timeout, except the streaming
// UploadImageBody and DownloadImageBody, which run under the caller's
// context only. Auth is carried the same way
// pkg/api's requestContext reads it: an X-Auth-Token header set once
// on the client and attached to every request.
package client
