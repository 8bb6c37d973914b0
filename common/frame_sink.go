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
	"sync"

	"github.com/grafana/cefshim/api"
)

// FrameSinkFunc adapts a function to a FrameSink.
type FrameSinkFunc func(frame api.Frame)

// HandleFrame calls f(frame).
func (f FrameSinkFunc) HandleFrame(frame api.Frame) { f(frame) }

// MultiSink hands every frame to each of its sinks in order.
type MultiSink []api.FrameSink

// HandleFrame implements api.FrameSink.
func (m MultiSink) HandleFrame(frame api.Frame) {
	for _, s := range m {
		if s != nil {
			s.HandleFrame(frame)
		}
	}
}

// LatestFrame keeps the most recent frame.
type LatestFrame struct {
	mu     sync.Mutex
	frame  api.Frame
	ok     bool
	notify chan struct{}
}

// NewLatestFrame returns an empty LatestFrame.
func NewLatestFrame() *LatestFrame {
	return &LatestFrame{notify: make(chan struct{})}
}

// HandleFrame implements api.FrameSink.
func (l *LatestFrame) HandleFrame(frame api.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frame, l.ok = frame, true
	close(l.notify)
	l.notify = make(chan struct{})
}

// Frame returns the most recent frame, if any.
func (l *LatestFrame) Frame() (api.Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.frame, l.ok
}

// Wait blocks until a frame with a sequence number greater than afterSeq is
// available or ctx is done.
func (l *LatestFrame) Wait(ctx context.Context, afterSeq uint64) (api.Frame, error) {
	for {
		l.mu.Lock()
		frame, ok, notify := l.frame, l.ok, l.notify
		l.mu.Unlock()

		if ok && frame.Seq > afterSeq {
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return api.Frame{}, ctx.Err()
		case <-notify:
		}
	}
}

// FrameQueue is a bounded frame queue. When the queue is full, the oldest
// frame is dropped to make room for the new one.
type FrameQueue struct {
	mu      sync.Mutex
	ch      chan api.Frame
	closed  bool
	dropped uint64
	onDrop  func()
}

// NewFrameQueue returns a queue holding up to size frames.
// onDrop, if not nil, is called for every dropped frame.
func NewFrameQueue(size int, onDrop func()) *FrameQueue {
	if size < 1 {
		size = 1
	}
	return &FrameQueue{
		ch:     make(chan api.Frame, size),
		onDrop: onDrop,
	}
}

// HandleFrame implements api.FrameSink. It never blocks.
func (q *FrameQueue) HandleFrame(frame api.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.drop()
		return
	}
	for {
		select {
		case q.ch <- frame:
			return
		default:
		}
		select {
		case <-q.ch:
			q.drop()
		default:
		}
	}
}

func (q *FrameQueue) drop() {
	q.dropped++
	if q.onDrop != nil {
		q.onDrop()
	}
}

// Frames returns the receiving end of the queue. It is closed by Close.
func (q *FrameQueue) Frames() <-chan api.Frame {
	return q.ch
}

// Dropped returns the number of frames dropped so far.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}

// Close stops accepting frames. Frames already queued can still be received.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
