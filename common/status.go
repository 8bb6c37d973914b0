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
	"errors"
	"fmt"
)

// Lifecycle operations, named after the native entry points.
const (
	OpInit      = "cef_init"
	OpStep      = "cef_step"
	OpRunScript = "cef_run_script"
	OpFree      = "cef_free"
)

var (
	// ErrEngineClosed is returned by any operation on an engine after Close.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrAlreadyRunning is returned by Launch while another engine is running
	// in this process.
	ErrAlreadyRunning = errors.New("an engine is already running in this process")

	// ErrScriptNUL is returned by RunScript when the script can't be passed as
	// a null-terminated string.
	ErrScriptNUL = errors.New("script contains a NUL byte")

	// ErrInvalidScenario is returned by RunScenario for unusable scenarios.
	ErrInvalidScenario = errors.New("invalid scenario")
)

// Status is a status code returned by the external library.
// Zero means success; every other value is opaque.
type Status int32

// StatusOK is the only status code with a defined meaning.
const StatusOK Status = 0

// OK returns true for StatusOK.
func (s Status) OK() bool {
	return s == StatusOK
}

// Err returns nil for StatusOK and a *StatusError carrying the code otherwise.
func (s Status) Err(op string) error {
	if s.OK() {
		return nil
	}
	return &StatusError{Op: op, Code: s}
}

// StatusError is a failed library call.
type StatusError struct {
	Op   string
	Code Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

// StatusCode returns the library status code carried by err, if any.
func StatusCode(err error) (Status, bool) {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code, true
	}
	return StatusOK, false
}
