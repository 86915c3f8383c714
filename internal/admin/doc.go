// Package admin hosts the Fiber application bound to AdminPort. It exposes the
// diagnostics surface under /-/: live transaction snapshots, the revalidation
// rule table with a manual reload trigger, and a status summary of the client
// endpoint. The data plane never routes through this package.
package admin
