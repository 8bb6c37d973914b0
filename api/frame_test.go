package api

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameImage(t *testing.T) {
	t.Parallel()

	f := Frame{
		Width:  2,
		Height: 1,
		Pixels: []byte{
			0x01, 0x02, 0x03, 0xff, // B G R A
			0x10, 0x20, 0x30, 0x80,
		},
	}

	img := f.Image()
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 1, img.Bounds().Dy())
	assert.Equal(t, color.RGBA{R: 0x03, G: 0x02, B: 0x01, A: 0xff}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 0x30, G: 0x20, B: 0x10, A: 0x80}, img.RGBAAt(1, 0))
}

func TestFrameImageShortBuffer(t *testing.T) {
	t.Parallel()

	f := Frame{Width: 2, Height: 2, Pixels: []byte{1, 2, 3, 4, 5}}
	assert.NotPanics(t, func() { _ = f.Image() })
	assert.False(t, f.Empty())
	assert.True(t, Frame{}.Empty())
}
