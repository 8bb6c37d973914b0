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
)

// Engine events.
const (
	// EventEngineStarted is emitted once the engine is initialized. Only
	// handlers passed in EngineOptions see it.
	EventEngineStarted string = "started"

	// EventScriptSubmitted is emitted when a script was accepted by the engine.
	// The event data is the script source.
	EventScriptSubmitted string = "script"

	// EventStepFailed is emitted when a step returns a non-zero status.
	// The event data is the *StatusError.
	EventStepFailed string = "stepfailed"

	// EventEngineClosed is emitted after the engine is freed.
	// The event data is the error returned by Close, if any.
	EventEngineClosed string = "closed"
)

// Event is a lifecycle notification from an Engine.
type Event struct {
	typ  string
	data any
}

// Type returns the event name.
func (e Event) Type() string { return e.typ }

// Data returns the event payload.
func (e Event) Data() any { return e.data }

// EventHandler receives engine events.
//
// Handlers run synchronously on the goroutine of the call that caused the
// event, while that call still holds the engine. They must not call back
// into the engine.
type EventHandler func(Event)

// EventEmitter delivers events to subscribed handlers.
type EventEmitter interface {
	emit(event string, data any)
	On(ctx context.Context, events []string, fn EventHandler)
	OnAll(ctx context.Context, fn EventHandler)
}

type subscription struct {
	ctx context.Context
	// events is nil for subscriptions to every event.
	events map[string]struct{}
	fn     EventHandler
}

func (s *subscription) wants(event string) bool {
	if s.events == nil {
		return true
	}
	_, ok := s.events[event]
	return ok
}

// BaseEventEmitter keeps subscriptions in registration order.
// A subscription ends when its context is done.
type BaseEventEmitter struct {
	mu   sync.Mutex
	subs []*subscription
}

var _ EventEmitter = &BaseEventEmitter{}

// On subscribes fn to the named events until ctx is done.
func (e *BaseEventEmitter) On(ctx context.Context, events []string, fn EventHandler) {
	set := make(map[string]struct{}, len(events))
	for _, ev := range events {
		set[ev] = struct{}{}
	}
	e.subscribe(&subscription{ctx: ctx, events: set, fn: fn})
}

// OnAll subscribes fn to every event until ctx is done.
func (e *BaseEventEmitter) OnAll(ctx context.Context, fn EventHandler) {
	e.subscribe(&subscription{ctx: ctx, fn: fn})
}

func (e *BaseEventEmitter) subscribe(s *subscription) {
	if s.fn == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.subs = append(e.subs, s)
}

// Subscriptions returns the number of live subscriptions.
func (e *BaseEventEmitter) Subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, s := range e.subs {
		if s.ctx.Err() == nil {
			n++
		}
	}
	return n
}

// emit calls the matching handlers in registration order. Subscriptions
// whose context is done are dropped first.
func (e *BaseEventEmitter) emit(event string, data any) {
	e.mu.Lock()
	live := e.subs[:0:0]
	var targets []EventHandler
	for _, s := range e.subs {
		if s.ctx.Err() != nil {
			continue
		}
		live = append(live, s)
		if s.wants(event) {
			targets = append(targets, s.fn)
		}
	}
	e.subs = live
	e.mu.Unlock()

	ev := Event{typ: event, data: data}
	for _, fn := range targets {
		fn(ev)
	}
}
