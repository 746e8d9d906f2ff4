// Package pattern produces the frame content uploaded to device slots.
package pattern

import (
	"errors"
	"fmt"
)

// ErrShape is returned when a batch, mask or source disagree on dimensions.
var ErrShape = errors.New("pattern: shape mismatch")

// FrameBatch is the content of one slot fill. Logical holds the frames at
// logical resolution, one bool per logical pixel, frame-major then row-major.
// Device holds the same frames expanded to mirror resolution, one byte per
// mirror (0 or 255), ready for upload.
type FrameBatch struct {
	Frames int
	// Height and Width are the logical dimensions: device size / Scale.
	Height, Width int
	Scale         int

	DeviceHeight, DeviceWidth int

	Logical []bool
	Device  []byte
}

// NewFrameBatch allocates a batch of frames for a device of the given size.
func NewFrameBatch(frames, deviceWidth, deviceHeight, scale int) (*FrameBatch, error) {
	if frames < 1 || deviceWidth < 1 || deviceHeight < 1 || scale < 1 {
		return nil, fmt.Errorf("%w: frames=%d device=%dx%d scale=%d", ErrShape, frames, deviceWidth, deviceHeight, scale)
	}
	h, w := deviceHeight/scale, deviceWidth/scale
	if h == 0 || w == 0 {
		return nil, fmt.Errorf("%w: scale %d larger than device %dx%d", ErrShape, scale, deviceWidth, deviceHeight)
	}
	return &FrameBatch{
		Frames:       frames,
		Height:       h,
		Width:        w,
		Scale:        scale,
		DeviceHeight: deviceHeight,
		DeviceWidth:  deviceWidth,
		Logical:      make([]bool, frames*h*w),
		Device:       make([]byte, frames*deviceHeight*deviceWidth),
	}, nil
}

// LogicalFrame returns the logical pixels of frame i.
func (b *FrameBatch) LogicalFrame(i int) []bool {
	n := b.Height * b.Width
	return b.Logical[i*n : (i+1)*n]
}

// DeviceFrame returns the mirror bytes of frame i.
func (b *FrameBatch) DeviceFrame(i int) []byte {
	n := b.DeviceHeight * b.DeviceWidth
	return b.Device[i*n : (i+1)*n]
}

// Clone returns a deep copy.
func (b *FrameBatch) Clone() *FrameBatch {
	c := *b
	c.Logical = append([]bool(nil), b.Logical...)
	c.Device = append([]byte(nil), b.Device...)
	return &c
}

// ClearLogical sets every logical pixel off.
func (b *FrameBatch) ClearLogical() {
	clear(b.Logical)
}

// Zoom expands Logical into Device: each logical pixel becomes a
// Scale x Scale block of 255 (on) or 0 (off). Mirrors beyond the last whole
// block are written as 0.
func Zoom(b *FrameBatch) {
	s := b.Scale
	for f := 0; f < b.Frames; f++ {
		src := b.LogicalFrame(f)
		dst := b.DeviceFrame(f)
		for y := 0; y < b.DeviceHeight; y++ {
			row := dst[y*b.DeviceWidth : (y+1)*b.DeviceWidth]
			ly := y / s
			if ly >= b.Height {
				clear(row)
				continue
			}
			lrow := src[ly*b.Width : (ly+1)*b.Width]
			for x := range row {
				lx := x / s
				if lx < b.Width && lrow[lx] {
					row[x] = 255
				} else {
					row[x] = 0
				}
			}
		}
	}
}

// ApplyMask zeroes every mirror that the mask switches off.
func ApplyMask(b *FrameBatch, m Mask) error {
	if m.Width != b.DeviceWidth || m.Height != b.DeviceHeight {
		return fmt.Errorf("%w: mask %dx%d, device %dx%d", ErrShape, m.Width, m.Height, b.DeviceWidth, b.DeviceHeight)
	}
	for f := 0; f < b.Frames; f++ {
		dst := b.DeviceFrame(f)
		for i, on := range m.On {
			if !on {
				dst[i] = 0
			}
		}
	}
	return nil
}

// Render runs Zoom then ApplyMask. Sources call it after filling Logical.
func Render(b *FrameBatch, m Mask) error {
	Zoom(b)
	return ApplyMask(b, m)
}
