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
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/grafana/cefshim/api"
	"github.com/grafana/cefshim/log"
	"github.com/grafana/cefshim/osext"
	"github.com/grafana/cefshim/storage"
)

var _ api.FrameSink = &VideoCapture{}

// VideoFormat represents a video file format.
type VideoFormat string

// Valid video format options.
const (
	// VideoFormatWebM encodes frames as VP8 in a webm container.
	VideoFormatWebM VideoFormat = "webm"
)

// String returns the video format as a string.
func (f VideoFormat) String() string {
	return string(f)
}

// MaxVideoFrameRate is the highest frame rate a VideoCapture accepts.
// Frames are placed on a millisecond grid, so a faster rate has no step.
const MaxVideoFrameRate = 1000

// VideoCaptureOptions configure a VideoCapture.
type VideoCaptureOptions struct {
	Path       string
	Format     VideoFormat
	FrameRate  int64
	FFmpegPath string
	// QueueSize is the number of frames buffered between the paint callback
	// and the encoder. Older frames are dropped when it is full.
	QueueSize int
}

// NewVideoCaptureOptions returns the default video capture options.
func NewVideoCaptureOptions(path string) VideoCaptureOptions {
	return VideoCaptureOptions{
		Path:       path,
		Format:     VideoFormatWebM,
		FrameRate:  25,
		FFmpegPath: "ffmpeg",
		QueueSize:  16,
	}
}

type videoFrame struct {
	content   []byte
	timestamp int64 // ms
}

// videoWriter writes frames at a fixed frame rate, repeating the last frame
// to fill the gaps between paints.
type videoWriter struct {
	w       io.Writer
	step    int64
	last    videoFrame
	hasLast bool
}

func (v *videoWriter) writeFrame(frame videoFrame) error {
	// normalize frame timestamp to a multiple of the step
	timestamp := frame.timestamp
	if timestamp%v.step != 0 {
		timestamp = ((timestamp + v.step) / v.step) * v.step
	}

	// repeat last frame to fill video until the current frame
	if v.hasLast {
		for ts := v.last.timestamp + v.step; ts < timestamp; ts += v.step {
			if _, err := v.w.Write(v.last.content); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}

	if _, err := v.w.Write(frame.content); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	v.last = videoFrame{timestamp: timestamp, content: frame.content}
	v.hasLast = true

	return nil
}

// VideoCapture records painted frames to a video through ffmpeg.
type VideoCapture struct {
	ctx       context.Context
	logger    *log.Logger
	opts      VideoCaptureOptions
	persister storage.FilePersister

	ffmpegCmd *exec.Cmd
	ffmpegIn  io.WriteCloser
	writer    *videoWriter
	queue     *FrameQueue

	done       chan struct{}
	persistErr chan error

	errMu sync.Mutex
	err   error
}

// NewVideoCapture starts ffmpeg and returns a sink feeding it.
// The video is persisted to opts.Path when the capture is closed.
func NewVideoCapture(
	ctx context.Context,
	logger *log.Logger,
	opts VideoCaptureOptions,
	persister storage.FilePersister,
) (*VideoCapture, error) {
	if opts.FrameRate <= 0 || opts.FrameRate > MaxVideoFrameRate {
		return nil, fmt.Errorf("invalid frame rate %d, want 1 to %d", opts.FrameRate, MaxVideoFrameRate)
	}

	// construct command to start ffmpeg to convert series of images into a video
	// heavily inspired by puppeteer's screen recorder
	// https://github.com/puppeteer/puppeteer/blob/main/packages/puppeteer-core/src/node/ScreenRecorder.ts
	ffmpegCmd := exec.CommandContext(ctx,
		opts.FFmpegPath,
		"-loglevel", "error",
		// create video from sequence of images
		"-f", "image2pipe",
		"-c:v", "png",
		"-framerate", fmt.Sprintf("%d", opts.FrameRate),
		// read from stdin
		"-i", "pipe:0",
		"-f", opts.Format.String(),
		// optimize for speed
		"-deadline", "realtime", "-cpu-used", "8",
		// write to stdout
		"pipe:1",
	)

	ffmpegIn, err := ffmpegCmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating ffmpeg stdin pipe: %w", err)
	}
	ffmpegOut, err := ffmpegCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating ffmpeg stdout pipe: %w", err)
	}
	if err := ffmpegCmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	osext.Register(logger, ffmpegCmd.Process.Pid, "ffmpeg")

	v := &VideoCapture{
		ctx:        ctx,
		logger:     logger,
		opts:       opts,
		persister:  persister,
		ffmpegCmd:  ffmpegCmd,
		ffmpegIn:   ffmpegIn,
		writer:     &videoWriter{w: ffmpegIn, step: 1000 / opts.FrameRate},
		queue:      NewFrameQueue(opts.QueueSize, nil),
		done:       make(chan struct{}),
		persistErr: make(chan error, 1),
	}

	go func() {
		v.persistErr <- persister.Persist(ctx, opts.Path, ffmpegOut)
	}()
	go v.run()

	return v, nil
}

// HandleFrame queues the frame for encoding. It never blocks.
func (v *VideoCapture) HandleFrame(frame api.Frame) {
	v.queue.HandleFrame(frame)
}

func (v *VideoCapture) run() {
	defer close(v.done)

	var first time.Time
	for frame := range v.queue.Frames() {
		if v.failed() {
			continue
		}
		content, err := EncodePNG(frame)
		if err != nil {
			v.logger.Debugf("VideoCapture:run", "skipping frame %d: %v", frame.Seq, err)
			continue
		}
		if first.IsZero() {
			first = frame.Timestamp
		}
		vf := videoFrame{content: content, timestamp: frame.Timestamp.Sub(first).Milliseconds()}
		if err := v.writer.writeFrame(vf); err != nil {
			v.setErr(err)
		}
	}
}

func (v *VideoCapture) failed() bool {
	v.errMu.Lock()
	defer v.errMu.Unlock()
	return v.err != nil
}

func (v *VideoCapture) setErr(err error) {
	v.errMu.Lock()
	defer v.errMu.Unlock()
	if v.err == nil {
		v.err = err
	}
}

// Dropped returns the number of frames dropped because the encoder fell behind.
func (v *VideoCapture) Dropped() uint64 {
	return v.queue.Dropped()
}

// Close stops the recording, waits for ffmpeg to finish and persists the
// video.
func (v *VideoCapture) Close(ctx context.Context) error {
	v.queue.Close()
	select {
	case <-v.done:
	case <-ctx.Done():
		return fmt.Errorf("closing video capture: %w", ctx.Err())
	}
	_ = v.ffmpegIn.Close()

	persistErr := <-v.persistErr
	waitErr := v.ffmpegCmd.Wait()
	osext.Unregister(v.logger, v.ffmpegCmd.Process.Pid)

	v.errMu.Lock()
	err := v.err
	v.errMu.Unlock()

	switch {
	case err != nil:
		return err
	case persistErr != nil:
		return fmt.Errorf("creating video file: %w", persistErr)
	case waitErr != nil:
		return fmt.Errorf("running ffmpeg: %w", waitErr)
	}

	return nil
}
