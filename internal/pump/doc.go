// Package pump moves body bytes in one direction between a producer (client
// socket reader, origin response reader, cache file) and a consumer (origin
// request writer, client socket writer). Every transaction owns two channels,
// one per direction, and they never close each other.
//
// A Channel buffers at most BufferSize bytes split into frames of at most
// FrameSize bytes. Producers either Push (non-blocking, reports Backpressure)
// or Write (blocks until buffer space frees up); consumers pull frames with
// Next, Chunks or Reader. A channel terminates for exactly one of three causes:
// natural end, abandonment by its transaction, or cancellation. Termination is
// idempotent and always releases buffered bytes.
package pump
