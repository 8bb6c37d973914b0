// Package enginetest provides an in-memory api.Library for tests.
package enginetest

import (
	"sync"
	"unsafe"

	"github.com/grafana/cefshim/api"
)

// Poison is written over a painted buffer once the paint callback returns.
// A frame holding Poison bytes was read after the callback returned.
const Poison byte = 0xEE

var _ api.Library = &Library{}

// Library imitates the external engine.
//
// It paints a frame on the first step after Init, on the first step after
// every accepted script (growing the frame by Grow pixels in each direction)
// and every PaintEvery steps. Pixel bytes are set to the low byte of the
// paint count.
type Library struct {
	Width, Height int32
	Grow          int32
	PaintEvery    int

	// Async paints from a separate goroutine, the way the engine may call
	// back from a thread it owns. Step still waits for the paint to finish.
	Async bool

	InitStatus   int32
	StepStatus   int32
	ScriptStatus int32
	FreeStatus   int32
	// StepStatuses are returned by the next steps, in order, before
	// StepStatus applies.
	StepStatuses []int32

	mu      sync.Mutex
	paint   api.PaintFunc
	pending bool
	steps   int
	paints  int
	calls   []string
	scripts []string
}

// New returns a Library painting width x height frames.
func New(width, height int32) *Library {
	return &Library{Width: width, Height: height, Grow: 10}
}

// Init implements api.Library.
func (l *Library) Init(paint api.PaintFunc) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, "init")
	if l.InitStatus != 0 {
		return l.InitStatus
	}
	l.paint = paint
	l.pending = true
	return 0
}

// Step implements api.Library.
func (l *Library) Step() int32 {
	l.mu.Lock()
	l.calls = append(l.calls, "step")
	status := l.StepStatus
	if len(l.StepStatuses) > 0 {
		status, l.StepStatuses = l.StepStatuses[0], l.StepStatuses[1:]
	}
	if status != 0 {
		l.mu.Unlock()
		return status
	}
	l.steps++
	due := l.pending || (l.PaintEvery > 0 && l.steps%l.PaintEvery == 0)
	l.pending = false
	paint, width, height := l.paint, l.Width, l.Height
	if due {
		l.paints++
	}
	fill := byte(l.paints)
	l.mu.Unlock()

	if due && paint != nil {
		l.doPaint(paint, width, height, fill)
	}
	return 0
}

// RunScript implements api.Library.
func (l *Library) RunScript(code string) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, "run_script")
	if l.ScriptStatus != 0 {
		return l.ScriptStatus
	}
	l.scripts = append(l.scripts, code)
	l.Width += l.Grow
	l.Height += l.Grow
	l.pending = true
	return 0
}

// Free implements api.Library.
func (l *Library) Free() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, "free")
	l.paint = nil
	return l.FreeStatus
}

func (l *Library) doPaint(paint api.PaintFunc, width, height int32, fill byte) {
	n := int(width) * int(height) * api.BytesPerPixel
	buf := make([]byte, n+1)
	for i := 0; i < n; i++ {
		buf[i] = fill
	}

	call := func() { paint(unsafe.Pointer(&buf[0]), width, height) }
	if l.Async {
		done := make(chan struct{})
		go func() {
			defer close(done)
			call()
		}()
		<-done
	} else {
		call()
	}

	for i := range buf {
		buf[i] = Poison
	}
}

// PaintRaw invokes the registered paint callback with arbitrary arguments.
func (l *Library) PaintRaw(pixels unsafe.Pointer, width, height int32) {
	l.mu.Lock()
	paint := l.paint
	l.mu.Unlock()

	if paint != nil {
		paint(pixels, width, height)
	}
}

// Calls returns the library calls made so far, in order.
func (l *Library) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.calls...)
}

// Scripts returns the accepted scripts.
func (l *Library) Scripts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.scripts...)
}

// Paints returns the number of frames painted.
func (l *Library) Paints() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.paints
}

// Registered reports whether a paint callback is registered.
func (l *Library) Registered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.paint != nil
}
