/*
 *
 * cefshim - a lifecycle shim over an embedded browser engine
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/grafana/cefshim/api"
	"github.com/grafana/cefshim/log"
	"github.com/grafana/cefshim/metrics"
	"github.com/grafana/cefshim/otel"
	"github.com/grafana/cefshim/scripts"
)

// Ensure Engine implements the EventEmitter and Engine interfaces.
var (
	_ EventEmitter = &Engine{}
	_ api.Engine   = &Engine{}
)

// Engine states. An engine that failed to initialize never gets a handle,
// so there is no state for it.
const (
	EngineStateRunning int64 = iota
	EngineStateClosing
	EngineStateClosed
)

// The paint callback carries no user data, so only one engine can be
// registered with the library at a time.
//
//nolint:gochecknoglobals
var (
	activeMu sync.Mutex
	active   *Engine
)

// Engine is a handle to the external engine between init and free.
//
// All library calls are made from one goroutine locked to its OS thread, in
// the order callers make them. The paint callback may arrive on any thread.
type Engine struct {
	BaseEventEmitter

	ctx      context.Context
	cancelFn context.CancelFunc

	lib  api.Library
	opts *EngineOptions

	state int64

	// mu serializes callers; calls hands work to the engine thread.
	mu     sync.Mutex
	calls  chan func()
	done   chan struct{}
	closed chan struct{}

	frameSeq uint64
	latest   *LatestFrame

	logger  *log.Logger
	metrics *metrics.Metrics
}

// Launch initializes the external engine and returns a running handle.
// If initialization fails no handle is returned and the library is left
// uninitialized.
func Launch(ctx context.Context, lib api.Library, opts *EngineOptions) (*Engine, error) {
	if opts == nil {
		opts = NewEngineOptions()
	}

	activeMu.Lock()
	defer activeMu.Unlock()

	if active != nil {
		return nil, ErrAlreadyRunning
	}

	e := newEngine(ctx, lib, opts)
	go e.loop()

	spanCtx, span := otel.Trace(ctx, OpInit)
	defer span.End()

	e.logger.Debugf("Engine:Launch", "runID:%q", GetRunID(ctx))

	var status Status
	if err := e.do(spanCtx, func() { status = Status(lib.Init(e.onPaint)) }); err != nil {
		e.stop()
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	if err := status.Err(OpInit); err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debugf("Engine:Launch", "init failed status:%d", status)
		e.stop()
		return nil, err
	}

	active = e
	e.emit(EventEngineStarted, nil)

	return e, nil
}

func newEngine(ctx context.Context, lib api.Library, opts *EngineOptions) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:      ctx,
		cancelFn: cancel,
		lib:      lib,
		opts:     opts,
		state:    EngineStateRunning,
		calls:    make(chan func()),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		latest:   NewLatestFrame(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if opts.EventHandler != nil {
		e.OnAll(ctx, opts.EventHandler)
	}

	return e
}

// loop runs every library call on one OS thread.
func (e *Engine) loop() {
	// The thread stays locked when the loop exits, so it is thrown away
	// instead of being reused with whatever state the library left on it.
	runtime.LockOSThread()
	defer close(e.done)

	for fn := range e.calls {
		fn()
	}
}

// do runs fn on the engine thread and waits for it to return.
// Callers must hold e.mu, or own the engine exclusively as Launch does.
func (e *Engine) do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ran := make(chan struct{})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.calls <- func() {
		defer close(ran)
		fn()
	}:
	}
	<-ran
	return nil
}

func (e *Engine) stop() {
	close(e.calls)
	<-e.done
	e.cancelFn()
}

// onPaint copies the painted buffer before returning to the library.
func (e *Engine) onPaint(pixels unsafe.Pointer, width, height int32) {
	if pixels == nil || width < 0 || height < 0 {
		e.logger.Debugf("Engine:onPaint", "dropping paint pixels:%p width:%d height:%d", pixels, width, height)
		e.metrics.ObserveDroppedFrame()
		return
	}
	if atomic.LoadInt64(&e.state) == EngineStateClosed {
		e.metrics.ObserveDroppedFrame()
		return
	}

	n := int(width) * int(height) * api.BytesPerPixel
	buf := make([]byte, n)
	if n > 0 {
		copy(buf, unsafe.Slice((*byte)(pixels), n))
	}
	frame := api.Frame{
		Pixels:    buf,
		Width:     int(width),
		Height:    int(height),
		Seq:       atomic.AddUint64(&e.frameSeq, 1),
		Timestamp: time.Now(),
	}

	e.latest.HandleFrame(frame)
	e.metrics.ObserveFrame(frame.Width, frame.Height)
	if e.opts.Sink != nil {
		e.opts.Sink.HandleFrame(frame)
	}
}

// Step drives one iteration of the engine's message loop.
// A failed step leaves the engine running; the caller may retry.
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.IsRunning() {
		return ErrEngineClosed
	}

	var status Status
	start := time.Now()
	if err := e.do(ctx, func() { status = Status(e.lib.Step()) }); err != nil {
		return err
	}
	err := status.Err(OpStep)
	e.metrics.ObserveStep(time.Since(start), err != nil)
	if err != nil {
		e.logger.Debugf("Engine:Step", "status:%d", status)
		otel.AddEvent(ctx, "step failed", attribute.Int("status", int(status)))
		e.emit(EventStepFailed, err)
	}

	return err
}

// RunScript submits code for execution in the engine. The script may run
// after RunScript returns; its effects show up in later steps.
func (e *Engine) RunScript(ctx context.Context, code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.IsRunning() {
		return ErrEngineClosed
	}
	if strings.IndexByte(code, 0) >= 0 {
		return ErrScriptNUL
	}
	if e.opts.ValidateScripts {
		if err := scripts.Validate(code); err != nil {
			return err
		}
	}

	spanCtx, span := otel.Trace(ctx, OpRunScript)
	defer span.End()

	var status Status
	if err := e.do(spanCtx, func() { status = Status(e.lib.RunScript(code)) }); err != nil {
		return err
	}
	if err := status.Err(OpRunScript); err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debugf("Engine:RunScript", "status:%d", status)
		return err
	}

	e.metrics.ObserveScript()
	e.emit(EventScriptSubmitted, code)

	return nil
}

// Close frees the engine. The handle is unusable afterwards, whatever the
// returned status; a second Close returns ErrEngineClosed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !atomic.CompareAndSwapInt64(&e.state, EngineStateRunning, EngineStateClosing) {
		return ErrEngineClosed
	}

	spanCtx, span := otel.Trace(ctx, OpFree)
	defer span.End()

	var status Status
	// Free is terminal, it runs even if ctx is already done.
	_ = e.do(context.WithoutCancel(spanCtx), func() { status = Status(e.lib.Free()) })

	atomic.StoreInt64(&e.state, EngineStateClosed)
	close(e.closed)

	activeMu.Lock()
	if active == e {
		active = nil
	}
	activeMu.Unlock()

	err := status.Err(OpFree)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	e.logger.Debugf("Engine:Close", "status:%d", status)
	e.emit(EventEngineClosed, err)
	e.stop()

	return err
}

// Run steps the engine every interval until ctx is done, the engine is
// closed, or a step fails. A non-positive interval steps back to back.
// It returns nil when stopped by ctx or Close.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ctx, cancel := contextWithDoneChan(ctx, e.closed)
	defer cancel()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if err := e.Step(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrEngineClosed) {
				return nil
			}
			return err
		}
		if tick == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		}
	}
}

// IsRunning returns true until Close is called.
func (e *Engine) IsRunning() bool {
	return atomic.LoadInt64(&e.state) == EngineStateRunning
}

// State returns the engine state.
func (e *Engine) State() int64 {
	return atomic.LoadInt64(&e.state)
}

// LastFrame returns the most recently painted frame, if any.
func (e *Engine) LastFrame() (api.Frame, bool) {
	return e.latest.Frame()
}

// WaitForFrame blocks until a frame newer than afterSeq is painted.
// Painting only happens while the engine is being stepped.
func (e *Engine) WaitForFrame(ctx context.Context, afterSeq uint64) (api.Frame, error) {
	return e.latest.Wait(ctx, afterSeq)
}

// FrameCount returns the number of frames painted so far.
func (e *Engine) FrameCount() uint64 {
	return atomic.LoadUint64(&e.frameSeq)
}
