// Package cache defines the disk-backed response store and the freshness
// evaluation that sits in front of it. Entries live under
// StoragePath/<host>/<hash prefix>/<hash>.body with a JSON sidecar carrying the
// status, stored headers, max-age and last-validated instant. Writes use temp
// file + rename so readers never observe partial bodies.
//
// Evaluate combines an entry's own max-age with the revalidation rule index:
// a matching rule whose forceStaleAsOf is newer than the entry's
// lastValidated forces a conditional revalidation even while the entry would
// otherwise be fresh.
package cache
