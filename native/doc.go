// Package native contains the cgo bindings to the cef_interface library.
//
// All cgo code lives in this package. The bindings are only compiled with the
// "cef" build tag; without it Library is a stub whose calls all report
// StatusUnavailable.
//
// The paint callback registered through cef_init carries no user data, so the
// Go function it forwards to is kept in a single process-wide slot. Only one
// engine can be initialized per process.
package native
