//go:build cgo && cef

package native

// #cgo LDFLAGS: -lcef_interface
//
// typedef void (*cef_paint_callback)(const void* pixels, int width, int height);
//
// int cef_init(cef_paint_callback on_paint);
// int cef_step(void);
// int cef_run_script(const char* code);
// int cef_free(void);
//
// // Implemented in Go.
// extern void goPaintCallback(void* pixels, int width, int height);
//
// #include <stdlib.h>
import "C"

import (
	"unsafe"

	"github.com/grafana/cefshim/api"
)

var _ api.Library = Library{}

// Library calls into the linked cef_interface library.
type Library struct{}

// Available reports whether the native library is compiled in.
func Available() bool { return true }

// Init registers paint and starts the engine.
func (Library) Init(paint api.PaintFunc) int32 {
	registerPaint(paint)
	status := int32(C.cef_init(C.cef_paint_callback(C.goPaintCallback)))
	if status != 0 {
		unregisterPaint()
	}
	return status
}

// Step pumps the engine's message loop once.
func (Library) Step() int32 {
	return int32(C.cef_step())
}

// RunScript submits code for execution in the main frame.
func (Library) RunScript(code string) int32 {
	cs := C.CString(code)
	defer C.free(unsafe.Pointer(cs))

	return int32(C.cef_run_script(cs))
}

// Free shuts the engine down and drops the paint callback.
func (Library) Free() int32 {
	status := int32(C.cef_free())
	unregisterPaint()
	return status
}

//export goPaintCallback
func goPaintCallback(pixels unsafe.Pointer, width, height C.int) {
	dispatchPaint(pixels, int32(width), int32(height))
}
