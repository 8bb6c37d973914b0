package api

import (
	"image"
	"time"
)

// BytesPerPixel is the size of a single BGRA pixel in a painted buffer.
const BytesPerPixel = 4

// Frame is an owned copy of a painted buffer.
type Frame struct {
	// Pixels holds Width*Height BGRA pixels, row major, no padding.
	Pixels    []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// FrameSink receives copies of painted frames.
//
// HandleFrame may be called from a thread owned by the external library,
// possibly while a Step call is in progress. Implementations must not call
// back into the engine.
type FrameSink interface {
	HandleFrame(frame Frame)
}

// Image converts the BGRA pixels of the frame to an RGBA image.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height * BytesPerPixel
	if len(f.Pixels) < n {
		n = len(f.Pixels) - len(f.Pixels)%BytesPerPixel
	}
	for i := 0; i < n; i += BytesPerPixel {
		img.Pix[i+0] = f.Pixels[i+2]
		img.Pix[i+1] = f.Pixels[i+1]
		img.Pix[i+2] = f.Pixels[i+0]
		img.Pix[i+3] = f.Pixels[i+3]
	}
	return img
}

// Empty returns true if the frame has no pixels.
func (f Frame) Empty() bool {
	return f.Width == 0 || f.Height == 0 || len(f.Pixels) == 0
}
