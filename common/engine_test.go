package common

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cefshim/api"
	"github.com/grafana/cefshim/metrics"
	"github.com/grafana/cefshim/scripts"
	"github.com/grafana/cefshim/testutils/enginetest"
)

// Only one engine may run per process, so engine tests don't run in parallel.

type frameRecorder struct {
	mu     sync.Mutex
	frames []api.Frame
}

func (r *frameRecorder) HandleFrame(f api.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) Frames() []api.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Frame(nil), r.frames...)
}

func launch(t *testing.T, lib api.Library, opts *EngineOptions) *Engine {
	t.Helper()

	e, err := Launch(context.Background(), lib, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	lib := enginetest.New(800, 600)
	e := launch(t, lib, nil)

	assert.True(t, e.IsRunning())
	assert.Equal(t, EngineStateRunning, e.State())

	require.NoError(t, e.Step(ctx))
	require.NoError(t, e.RunScript(ctx, scripts.LoadVideoByID("gQngg8iQipk")))
	require.NoError(t, e.Step(ctx))
	require.NoError(t, e.Close(ctx))

	assert.False(t, e.IsRunning())
	assert.Equal(t, EngineStateClosed, e.State())
	assert.Equal(t, []string{"init", "step", "run_script", "step", "free"}, lib.Calls())
	assert.Equal(t, []string{`player.loadVideoById("gQngg8iQipk");`}, lib.Scripts())
	assert.False(t, lib.Registered())

	// The handle is consumed: nothing reaches the library anymore.
	assert.ErrorIs(t, e.Step(ctx), ErrEngineClosed)
	assert.ErrorIs(t, e.RunScript(ctx, "1"), ErrEngineClosed)
	assert.ErrorIs(t, e.Close(ctx), ErrEngineClosed)
	assert.Len(t, lib.Calls(), 5)
}

func TestEngineLaunchFailure(t *testing.T) {
	lib := enginetest.New(800, 600)
	lib.InitStatus = -1

	e, err := Launch(context.Background(), lib, nil)
	require.Error(t, err)
	assert.Nil(t, e)

	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, Status(-1), code)
	assert.Equal(t, []string{"init"}, lib.Calls())

	// A failed init leaves the process free to try again.
	lib.InitStatus = 0
	e = launch(t, lib, nil)
	assert.True(t, e.IsRunning())
}

func TestEngineAlreadyRunning(t *testing.T) {
	first := launch(t, enginetest.New(1, 1), nil)

	second := enginetest.New(1, 1)
	_, err := Launch(context.Background(), second, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, second.Calls())

	require.NoError(t, first.Close(context.Background()))
	launch(t, second, nil)
}

func TestEngineStepFailureKeepsRunning(t *testing.T) {
	ctx := context.Background()
	lib := enginetest.New(4, 4)
	lib.StepStatuses = []int32{3}
	e := launch(t, lib, nil)

	err := e.Step(ctx)
	require.Error(t, err)
	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, Status(3), code)
	assert.True(t, e.IsRunning())

	assert.NoError(t, e.Step(ctx))
}

func TestEngineRunScriptSubmitsModernSyntax(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		code string
	}{
		{name: "optional_chaining", code: `player?.loadVideoById("gQngg8iQipk");`},
		{name: "class", code: `class P { play() {} }`},
		{name: "async_await", code: `(async () => { await player.ready; })();`},
		{name: "bigint", code: `let n = 10n;`},
		{name: "logical_assignment", code: `x ??= 1;`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			lib := enginetest.New(1, 1)
			e := launch(t, lib, nil)

			require.NoError(t, e.RunScript(ctx, tt.code))
			assert.Equal(t, []string{tt.code}, lib.Scripts())
		})
	}
}

func TestEngineRunScriptErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("nul", func(t *testing.T) {
		lib := enginetest.New(1, 1)
		e := launch(t, lib, nil)

		assert.ErrorIs(t, e.RunScript(ctx, "a\x00b"), ErrScriptNUL)
		assert.Empty(t, lib.Scripts())
	})
	t.Run("syntax", func(t *testing.T) {
		lib := enginetest.New(1, 1)
		opts := NewEngineOptions()
		opts.ValidateScripts = true
		e := launch(t, lib, opts)

		var serr *scripts.SyntaxError
		assert.ErrorAs(t, e.RunScript(ctx, "player.loadVideoById("), &serr)
		assert.NotContains(t, lib.Calls(), "run_script")
	})
	t.Run("syntax_not_validated_by_default", func(t *testing.T) {
		lib := enginetest.New(1, 1)
		e := launch(t, lib, nil)

		assert.NoError(t, e.RunScript(ctx, "player.loadVideoById("))
		assert.Equal(t, []string{"player.loadVideoById("}, lib.Scripts())
	})
	t.Run("status", func(t *testing.T) {
		lib := enginetest.New(1, 1)
		lib.ScriptStatus = -1
		e := launch(t, lib, nil)

		err := e.RunScript(ctx, "1+1")
		code, ok := StatusCode(err)
		require.True(t, ok)
		assert.Equal(t, Status(-1), code)
		assert.True(t, e.IsRunning())
	})
}

func TestEngineCopiesFrames(t *testing.T) {
	for _, async := range []bool{false, true} {
		async := async
		name := "sync"
		if async {
			name = "async"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lib := enginetest.New(8, 6)
			lib.Async = async

			rec := &frameRecorder{}
			opts := NewEngineOptions()
			opts.Sink = rec
			e := launch(t, lib, opts)

			require.NoError(t, e.Step(ctx))
			require.NoError(t, e.RunScript(ctx, "1"))
			require.NoError(t, e.Step(ctx))

			frames := rec.Frames()
			require.Len(t, frames, 2)
			assert.Equal(t, 8, frames[0].Width)
			assert.Equal(t, 6, frames[0].Height)
			assert.Equal(t, 18, frames[1].Width)
			assert.Equal(t, 16, frames[1].Height)
			for i, f := range frames {
				assert.Equal(t, uint64(i+1), f.Seq)
				require.Len(t, f.Pixels, f.Width*f.Height*api.BytesPerPixel)
				for _, b := range f.Pixels {
					require.NotEqual(t, enginetest.Poison, b, "frame read after the paint callback returned")
					require.Equal(t, byte(i+1), b)
				}
			}

			last, ok := e.LastFrame()
			require.True(t, ok)
			assert.Equal(t, uint64(2), last.Seq)
			assert.Equal(t, uint64(2), e.FrameCount())
		})
	}
}

func TestEngineDropsInvalidPaint(t *testing.T) {
	lib := enginetest.New(2, 2)
	m := metrics.New(nil)
	rec := &frameRecorder{}
	opts := NewEngineOptions()
	opts.Sink = rec
	opts.Metrics = m
	launch(t, lib, opts)

	var b byte
	lib.PaintRaw(nil, 2, 2)
	lib.PaintRaw(unsafe.Pointer(&b), -1, 2)
	lib.PaintRaw(unsafe.Pointer(&b), 2, -1)
	lib.PaintRaw(unsafe.Pointer(&b), 0, 0)

	frames := rec.Frames()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Empty())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesDroppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal))
}

func TestEngineCloseFailureIsTerminal(t *testing.T) {
	lib := enginetest.New(1, 1)
	lib.FreeStatus = 5

	e, err := Launch(context.Background(), lib, nil)
	require.NoError(t, err)

	err = e.Close(context.Background())
	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, Status(5), code)
	assert.Equal(t, EngineStateClosed, e.State())
	assert.ErrorIs(t, e.Close(context.Background()), ErrEngineClosed)

	launch(t, enginetest.New(1, 1), nil)
}

func TestEngineCloseWithCanceledContext(t *testing.T) {
	lib := enginetest.New(1, 1)
	e, err := Launch(context.Background(), lib, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, e.Close(ctx))
	assert.Equal(t, []string{"init", "free"}, lib.Calls())
}

func TestEngineStepCanceledContext(t *testing.T) {
	lib := enginetest.New(1, 1)
	e := launch(t, lib, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, e.Step(ctx), context.Canceled)
	assert.Equal(t, []string{"init"}, lib.Calls())
}

func TestEngineEvents(t *testing.T) {
	ctx := context.Background()

	lib := enginetest.New(1, 1)
	lib.StepStatuses = []int32{7}

	var fromOptions eventRecorder
	opts := NewEngineOptions()
	opts.EventHandler = fromOptions.handle
	e, err := Launch(ctx, lib, opts)
	require.NoError(t, err)

	var all, scriptsOnly eventRecorder
	e.OnAll(ctx, all.handle)
	e.On(ctx, []string{EventScriptSubmitted}, scriptsOnly.handle)

	_ = e.Step(ctx)
	require.NoError(t, e.RunScript(ctx, "1+1"))
	require.NoError(t, e.Close(ctx))

	assert.Equal(t,
		[]string{EventEngineStarted, EventStepFailed, EventScriptSubmitted, EventEngineClosed},
		fromOptions.types())
	assert.Equal(t, []string{EventStepFailed, EventScriptSubmitted, EventEngineClosed}, all.types())
	assert.Equal(t, []string{EventScriptSubmitted}, scriptsOnly.types())

	assert.Equal(t, "1+1", all.events[1].Data())
	code, ok := StatusCode(all.events[0].Data().(error))
	require.True(t, ok)
	assert.Equal(t, Status(7), code)
	assert.Nil(t, all.events[2].Data())
}

func TestEngineLaunchFailureEmitsNothing(t *testing.T) {
	lib := enginetest.New(1, 1)
	lib.InitStatus = -1

	var rec eventRecorder
	opts := NewEngineOptions()
	opts.EventHandler = rec.handle
	_, err := Launch(context.Background(), lib, opts)
	require.Error(t, err)
	assert.Empty(t, rec.events)
}

func TestEngineRun(t *testing.T) {
	lib := enginetest.New(4, 4)
	lib.PaintEvery = 1
	e := launch(t, lib, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx, time.Millisecond) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	f, err := e.WaitForFrame(wctx, 3)
	require.NoError(t, err)
	assert.Greater(t, f.Seq, uint64(3))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngineRunStopsOnClose(t *testing.T) {
	e := launch(t, enginetest.New(1, 1), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background(), time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Close(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestEngineRunStepFailure(t *testing.T) {
	lib := enginetest.New(1, 1)
	lib.StepStatuses = []int32{0, 0, 9}
	e := launch(t, lib, nil)

	err := e.Run(context.Background(), time.Millisecond)
	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, Status(9), code)
}

func TestEngineRunWithoutInterval(t *testing.T) {
	t.Run("canceled", func(t *testing.T) {
		e := launch(t, enginetest.New(1, 1), nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var err error
		require.NotPanics(t, func() { err = e.Run(ctx, 0) })
		assert.NoError(t, err)
	})
	t.Run("back_to_back", func(t *testing.T) {
		lib := enginetest.New(1, 1)
		lib.StepStatuses = []int32{0, 0, 0, 9}
		e := launch(t, lib, nil)

		var err error
		require.NotPanics(t, func() { err = e.Run(context.Background(), -time.Second) })
		code, ok := StatusCode(err)
		require.True(t, ok)
		assert.Equal(t, Status(9), code)
		assert.Equal(t, []string{"init", "step", "step", "step", "step"}, lib.Calls())
	})
}

func TestEngineMetrics(t *testing.T) {
	ctx := context.Background()
	lib := enginetest.New(10, 20)
	lib.StepStatuses = []int32{0, 1}
	m := metrics.New(nil)
	opts := NewEngineOptions()
	opts.Metrics = m
	e := launch(t, lib, opts)

	require.NoError(t, e.Step(ctx))
	require.Error(t, e.Step(ctx))
	require.NoError(t, e.RunScript(ctx, "1"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepFailuresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScriptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.FrameWidth))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.FrameHeight))
}

func TestEngineConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	lib := enginetest.New(2, 2)
	lib.PaintEvery = 3
	lib.Async = true
	e := launch(t, lib, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, e.Step(ctx))
			}
		}()
	}
	wg.Wait()

	steps := 0
	for _, c := range lib.Calls() {
		if c == "step" {
			steps++
		}
	}
	assert.Equal(t, 100, steps)
}
