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
	"github.com/grafana/cefshim/api"
	"github.com/grafana/cefshim/log"
	"github.com/grafana/cefshim/metrics"
)

// EngineOptions configure a launched engine.
type EngineOptions struct {
	// Sink receives a copy of every painted frame. It may be nil.
	Sink api.FrameSink
	// ValidateScripts compiles scripts before submitting them, so syntax
	// errors are reported by RunScript instead of being lost in the engine.
	// The check only knows the syntax goja supports, which lags behind the
	// engine's, so it is off by default.
	ValidateScripts bool

	// EventHandler, if set, receives every event of the engine, starting
	// with EventEngineStarted.
	EventHandler EventHandler

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// NewEngineOptions returns the default engine options.
func NewEngineOptions() *EngineOptions {
	return &EngineOptions{
		Logger: log.NewNullLogger(),
	}
}
