//go:build cgo && cef

package native

import (
	"os"
	"runtime"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLifecycle drives the real engine: init, 200 steps at 20ms with a script
// injected at step 50, then free. It needs the cef subprocess executable and
// resources next to the test binary, so it only runs on request.
func TestLifecycle(t *testing.T) {
	if os.Getenv("CEFSHIM_INTEGRATION") != "1" {
		t.Skip("set CEFSHIM_INTEGRATION=1 to run against the native engine")
	}

	type paint struct {
		width, height int32
		at            int
	}
	var (
		mu     sync.Mutex
		step   int
		paints []paint
	)
	onPaint := func(pixels unsafe.Pointer, width, height int32) {
		assert.NotNil(t, pixels)
		assert.GreaterOrEqual(t, width, int32(0))
		assert.GreaterOrEqual(t, height, int32(0))

		mu.Lock()
		defer mu.Unlock()
		paints = append(paints, paint{width: width, height: height, at: step})
		t.Logf("paint %d %d %p", width, height, pixels)
	}

	// The engine expects every call on the thread that initialized it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var lib Library
	require.Equal(t, int32(0), lib.Init(onPaint))

	for i := 0; i < 200; i++ {
		if i == 50 {
			require.Equal(t, int32(0), lib.RunScript(`player.loadVideoById("gQngg8iQipk");`))
		}
		mu.Lock()
		step = i
		mu.Unlock()
		require.Equal(t, int32(0), lib.Step())
		time.Sleep(20 * time.Millisecond)
	}

	require.Equal(t, int32(0), lib.Free())

	mu.Lock()
	defer mu.Unlock()
	var after int
	for _, p := range paints {
		if p.at > 50 {
			after++
		}
	}
	assert.Greater(t, after, 0, "expected paints after the script was injected")
}
