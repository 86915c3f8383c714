// Package proxy turns a transaction delivered by the connection layer into an
// origin exchange. The Host header selects a remap; cacheable GET/HEAD requests
// consult the disk cache first, where a fresh entry is replayed with an Age
// header and a stale one is revalidated with If-None-Match/If-Modified-Since.
// Everything else is forwarded with the request body streamed straight from
// the transaction's request pump.
//
// Failures before the response is committed become JSON error bodies (404 for
// unmapped hosts, 502 for unreachable origins, 504 for origin timeouts); after
// the commit the transaction is aborted so the client sees a truncated body.
package proxy
