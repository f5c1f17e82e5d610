// Package httputil provides HTTP handler utilities for consistent error
// rendering, JSON encoding/decoding, and request parsing.
//
// Error rendering goes through the warden error taxonomy: handlers pass any
// error and the response carries only its kind and caller-facing message, so
// internal causes never reach the wire.
package httputil
