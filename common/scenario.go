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
	"fmt"
	"image"
	"time"

	"gopkg.in/guregu/null.v3"
)

// Default scenario values.
const (
	DefaultScenarioSteps    = 200
	DefaultScenarioInterval = 20 * time.Millisecond
	DefaultScenarioScriptAt = 50
	DefaultScenarioVideoID  = "gQngg8iQipk"
)

// Scenario drives an engine for a fixed number of steps and optionally
// submits a script along the way.
type Scenario struct {
	Steps    int
	Interval time.Duration
	// ScriptAt is the step before which Script is submitted. No script is
	// submitted when it is not valid.
	ScriptAt null.Int
	Script   string
}

// DefaultScenario loads a video into the page's player a quarter of the way
// through 200 steps.
func DefaultScenario() Scenario {
	return Scenario{
		Steps:    DefaultScenarioSteps,
		Interval: DefaultScenarioInterval,
		ScriptAt: null.IntFrom(DefaultScenarioScriptAt),
		Script:   `player.loadVideoById("` + DefaultScenarioVideoID + `");`,
	}
}

// Validate checks the scenario is runnable.
func (s Scenario) Validate() error {
	if s.Steps <= 0 {
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidScenario, s.Steps)
	}
	if s.Interval < 0 {
		return fmt.Errorf("%w: negative interval %s", ErrInvalidScenario, s.Interval)
	}
	if !s.ScriptAt.Valid {
		return nil
	}
	if s.ScriptAt.Int64 < 0 || s.ScriptAt.Int64 >= int64(s.Steps) {
		return fmt.Errorf("%w: script iteration %d outside [0, %d)", ErrInvalidScenario, s.ScriptAt.Int64, s.Steps)
	}
	if s.Script == "" {
		return fmt.Errorf("%w: script iteration set without a script", ErrInvalidScenario)
	}
	return nil
}

// ScenarioReport summarizes a scenario run.
type ScenarioReport struct {
	StepsRun        int
	ScriptSubmitted bool
	// Frames is the number of frames painted during the run;
	// FramesAfterScript counts those painted once the script was submitted.
	Frames            uint64
	FramesAfterScript uint64
	FirstSize         image.Point
	LastSize          image.Point
	// Shrunk is set if a frame painted after the script was smaller than the
	// one before it.
	Shrunk   bool
	Duration time.Duration
}

// RunScenario steps eng as described by sc. It stops at the first failing
// call and returns the report so far along with the error.
func RunScenario(ctx context.Context, eng *Engine, sc Scenario) (*ScenarioReport, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	var (
		report     = &ScenarioReport{}
		start      = time.Now()
		startCount = eng.FrameCount()
		scriptAt   = eng.FrameCount()
		lastSeq    uint64
	)

	observe := func() {
		frame, ok := eng.LastFrame()
		if !ok || frame.Seq == lastSeq {
			return
		}
		lastSeq = frame.Seq
		size := image.Pt(frame.Width, frame.Height)
		if report.FirstSize == (image.Point{}) {
			report.FirstSize = size
		}
		if report.ScriptSubmitted && (size.X < report.LastSize.X || size.Y < report.LastSize.Y) {
			report.Shrunk = true
		}
		report.LastSize = size
	}
	finish := func() {
		report.Frames = eng.FrameCount() - startCount
		if report.ScriptSubmitted {
			report.FramesAfterScript = eng.FrameCount() - scriptAt
		}
		report.Duration = time.Since(start)
	}

	for i := 0; i < sc.Steps; i++ {
		if sc.ScriptAt.Valid && int64(i) == sc.ScriptAt.Int64 {
			observe()
			scriptAt = eng.FrameCount()
			if err := eng.RunScript(ctx, sc.Script); err != nil {
				finish()
				return report, fmt.Errorf("submitting script before step %d: %w", i, err)
			}
			report.ScriptSubmitted = true
		}

		if err := eng.Step(ctx); err != nil {
			finish()
			return report, fmt.Errorf("step %d: %w", i, err)
		}
		report.StepsRun++
		observe()

		if i == sc.Steps-1 {
			break
		}
		select {
		case <-ctx.Done():
			finish()
			return report, ctx.Err()
		case <-time.After(sc.Interval):
		}
	}
	finish()

	return report, nil
}
