package native

import (
	"sync"
	"unsafe"

	"github.com/grafana/cefshim/api"
)

// StatusUnavailable is returned by every call when the native library was not
// compiled in. It matches the code cef_init reports when the engine cannot
// start.
const StatusUnavailable int32 = -1

//nolint:gochecknoglobals
var (
	paintMu sync.RWMutex
	paintFn api.PaintFunc
)

func registerPaint(fn api.PaintFunc) {
	paintMu.Lock()
	defer paintMu.Unlock()

	paintFn = fn
}

func unregisterPaint() {
	paintMu.Lock()
	defer paintMu.Unlock()

	paintFn = nil
}

// dispatchPaint forwards a paint notification to the registered callback.
// It may run on any thread.
func dispatchPaint(pixels unsafe.Pointer, width, height int32) {
	paintMu.RLock()
	fn := paintFn
	paintMu.RUnlock()

	if fn == nil {
		return
	}
	fn(pixels, width, height)
}
