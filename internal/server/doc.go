// Package server is the client connection endpoint. It accepts TCP (optionally
// TLS) connections, settles the protocol once per connection from ALPN or the
// HTTP/2 client preface, and turns every parsed request header block into a
// txn.Transaction handed to a TransactionHandler on its own goroutine.
//
// HTTP/1.1 connections serve transactions sequentially; a response that
// completes while the request body is still arriving either drains the rest
// (when it fits RequestDrainLimit) or closes the connection. HTTP/2 sessions
// multiplex streams over one connection with per-stream flow control credited
// as the handler consumes request bytes, and reset only the affected stream on
// early responses or malformed headers. All deadlines are timers registered
// with the shared timeout.Supervisor.
//
// The package also owns the origin http.Client and the Host to remap registry
// shared by the proxy handler.
package server
