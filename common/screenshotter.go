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
	"bytes"
	"context"
	"image/png"

	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"

	"github.com/grafana/cefshim/api"
	"github.com/grafana/cefshim/log"
	"github.com/grafana/cefshim/storage"
)

// ErrEmptyFrame is returned when encoding a frame without pixels.
var ErrEmptyFrame = errors.New("frame has no pixels")

var pngBufferPool = bpool.NewBufferPool(8) //nolint:gochecknoglobals

// EncodePNG encodes the frame as a PNG image.
func EncodePNG(frame api.Frame) ([]byte, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}

	buf := pngBufferPool.Get()
	defer pngBufferPool.Put(buf)

	if err := png.Encode(buf, frame.Image()); err != nil {
		return nil, errors.Wrapf(err, "encoding frame %d as png", frame.Seq)
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

// Screenshotter writes frames to PNG files.
type Screenshotter struct {
	ctx       context.Context
	persister storage.FilePersister
	logger    *log.Logger
}

// NewScreenshotter creates a new Screenshotter persisting through persister.
func NewScreenshotter(ctx context.Context, persister storage.FilePersister, logger *log.Logger) *Screenshotter {
	return &Screenshotter{
		ctx:       ctx,
		persister: persister,
		logger:    logger,
	}
}

// Screenshot encodes frame as PNG and persists it to path, unless path is
// empty. It returns the encoded image.
func (s *Screenshotter) Screenshot(frame api.Frame, path string) ([]byte, error) {
	s.logger.Debugf("Screenshotter:Screenshot", "seq:%d size:%dx%d path:%q", frame.Seq, frame.Width, frame.Height, path)

	buf, err := EncodePNG(frame)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return buf, nil
	}
	if err := s.persister.Persist(s.ctx, path, bytes.NewReader(buf)); err != nil {
		return nil, errors.Wrap(err, "persisting screenshot")
	}

	return buf, nil
}
