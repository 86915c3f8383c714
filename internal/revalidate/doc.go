// Package revalidate holds the operator-supplied revalidation rules. Each rule
// pairs a URL regex with a forceStaleAsOf instant: cached entries validated
// before that instant are treated as stale when their URL matches.
//
// The index is append-only. Reloads merge new patterns in and leave existing
// patterns untouched (first write wins), and readers always observe a complete
// snapshot installed atomically. Rule state is optionally persisted to SQLite
// so the first-write-wins law survives restarts.
package revalidate
