package detections

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var ErrInvalidFrame = errors.New("invalid frame")

// RawFrame is an 8-bit RGBA bitmap, 4 bytes per pixel, rows packed
// without padding.
type RawFrame struct {
	Width  int
	Height int
	Pix    []uint8
}

func (f RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if want := f.Width * f.Height * 4; len(f.Pix) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidFrame, len(f.Pix), want)
	}
	return nil
}

// FrameFromImage copies any decoded image into a RawFrame.
func FrameFromImage(img image.Image) RawFrame {
	n := imaging.Clone(img)
	return RawFrame{
		Width:  n.Rect.Dx(),
		Height: n.Rect.Dy(),
		Pix:    n.Pix,
	}
}

func (f RawFrame) image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}
