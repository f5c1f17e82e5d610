// Package api is the HTTP adapter over the dispatcher. Every operation is
// invoked as POST /v1/operations/{name} with a JSON body; the bearer token
// carries the session and the X-Warden-Tenant header optionally selects a
// tenant. The response is the dispatch envelope, status-mapped through the
// error taxonomy.
//
// The session endpoints (current identity, tenant switch, logout) talk to
// the session store directly because they act on the credential itself
// rather than on tenant-scoped state.
package api
