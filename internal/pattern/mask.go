package pattern

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
)

// Mask selects the mirrors that may be switched on. On is row-major at
// device resolution.
type Mask struct {
	Width, Height int
	On            []bool
}

// FullMask enables every mirror.
func FullMask(width, height int) Mask {
	on := make([]bool, width*height)
	for i := range on {
		on[i] = true
	}
	return Mask{Width: width, Height: height, On: on}
}

// LoadMaskPNG reads a mask image. Any non-black pixel enables its mirror.
func LoadMaskPNG(path string) (Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mask{}, fmt.Errorf("open mask: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return Mask{}, fmt.Errorf("decode mask %s: %w", path, err)
	}
	return MaskFromImage(img), nil
}

// MaskFromImage converts img to a mask, non-black meaning on.
func MaskFromImage(img image.Image) Mask {
	bounds := img.Bounds()
	m := Mask{Width: bounds.Dx(), Height: bounds.Dy()}
	m.On = make([]bool, m.Width*m.Height)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			m.On[y*m.Width+x] = g.Y > 0
		}
	}
	return m
}

// Count returns the number of enabled mirrors.
func (m Mask) Count() int {
	n := 0
	for _, on := range m.On {
		if on {
			n++
		}
	}
	return n
}

// Bytes returns the mask as 0/1 bytes, the form stored with a run.
func (m Mask) Bytes() []byte {
	out := make([]byte, len(m.On))
	for i, on := range m.On {
		if on {
			out[i] = 1
		}
	}
	return out
}

// MaskFromBytes is the inverse of Bytes.
func MaskFromBytes(width, height int, data []byte) (Mask, error) {
	if len(data) != width*height {
		return Mask{}, fmt.Errorf("%w: %d bytes for %dx%d mask", ErrShape, len(data), width, height)
	}
	m := Mask{Width: width, Height: height, On: make([]bool, len(data))}
	for i, v := range data {
		m.On[i] = v != 0
	}
	return m, nil
}

// Unmasked returns, at logical resolution for scale, which logical pixels
// cover at least one enabled mirror.
func (m Mask) Unmasked(scale int) (h, w int, usable []bool) {
	h, w = m.Height/scale, m.Width/scale
	usable = make([]bool, h*w)
	for y := 0; y < h*scale; y++ {
		for x := 0; x < w*scale; x++ {
			if m.On[y*m.Width+x] {
				usable[(y/scale)*w+x/scale] = true
			}
		}
	}
	return h, w, usable
}

// unmaskedIndex lists the flat logical indices that Unmasked marks usable.
func unmaskedIndex(m Mask, scale int) (h, w int, idx []int) {
	h, w, usable := m.Unmasked(scale)
	for i, ok := range usable {
		if ok {
			idx = append(idx, i)
		}
	}
	return h, w, idx
}
