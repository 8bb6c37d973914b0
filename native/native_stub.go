//go:build !cef || !cgo

package native

import "github.com/grafana/cefshim/api"

var _ api.Library = Library{}

// Library is a stand-in used when cefshim is built without the "cef" tag.
type Library struct{}

// Available reports whether the native library is compiled in.
func Available() bool { return false }

// Init always fails with StatusUnavailable.
func (Library) Init(api.PaintFunc) int32 { return StatusUnavailable }

// Step always fails with StatusUnavailable.
func (Library) Step() int32 { return StatusUnavailable }

// RunScript always fails with StatusUnavailable.
func (Library) RunScript(string) int32 { return StatusUnavailable }

// Free always fails with StatusUnavailable.
func (Library) Free() int32 { return StatusUnavailable }
