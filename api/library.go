// Package api declares the boundary between cefshim and the external engine.
package api

import "unsafe"

// PaintFunc is the shape of the paint callback registered at init.
// The external library owns pixels; it is only valid for the duration of
// the call.
type PaintFunc func(pixels unsafe.Pointer, width, height int32)

// Library is the four-call lifecycle of the external engine.
// Every call returns the library's status code verbatim, 0 meaning success.
type Library interface {
	Init(paint PaintFunc) int32
	Step() int32
	RunScript(code string) int32
	Free() int32
}
