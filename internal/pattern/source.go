package pattern

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"gopkg.in/yaml.v3"
)

// Source fills a batch in place: the logical frames first, then the device
// buffer through Render. Mask and scale are bound when the source is built.
// A source keeps producing for as long as it is called.
type Source interface {
	Generate(b *FrameBatch) error
}

// base carries what every mask-bound source needs.
type base struct {
	mask  Mask
	scale int
	h, w  int
	idx   []int
}

func newBase(mask Mask, scale int) (base, error) {
	if scale < 1 {
		return base{}, fmt.Errorf("%w: scale %d", ErrShape, scale)
	}
	h, w, idx := unmaskedIndex(mask, scale)
	if len(idx) == 0 {
		return base{}, errors.New("pattern: mask leaves no usable pixels at this scale")
	}
	return base{mask: mask, scale: scale, h: h, w: w, idx: idx}, nil
}

func (s base) check(b *FrameBatch) error {
	if b.Scale != s.scale || b.Height != s.h || b.Width != s.w {
		return fmt.Errorf("%w: batch %dx%d@%d, source %dx%d@%d", ErrShape, b.Width, b.Height, b.Scale, s.w, s.h, s.scale)
	}
	return nil
}

// SparseNoise switches each usable logical pixel on with a fixed probability.
type SparseNoise struct {
	base
	p   float64
	rng *rand.Rand
}

// NewSparseNoise builds a sparse noise source. fractionOn must lie in [0, 1].
func NewSparseNoise(fractionOn float64, mask Mask, scale int, rng *rand.Rand) (*SparseNoise, error) {
	if fractionOn < 0 || fractionOn > 1 {
		return nil, fmt.Errorf("pattern: fraction on %g outside [0, 1]", fractionOn)
	}
	b, err := newBase(mask, scale)
	if err != nil {
		return nil, err
	}
	return &SparseNoise{base: b, p: fractionOn, rng: rng}, nil
}

func (s *SparseNoise) Generate(b *FrameBatch) error {
	if err := s.check(b); err != nil {
		return err
	}
	b.ClearLogical()
	for f := 0; f < b.Frames; f++ {
		frame := b.LogicalFrame(f)
		for _, i := range s.idx {
			frame[i] = s.rng.Float64() < s.p
		}
	}
	return Render(b, s.mask)
}

// BiasedNoise is SparseNoise with a probability per usable logical pixel.
type BiasedNoise struct {
	base
	thresholds []float64
	rng        *rand.Rand
}

// NewBiasedNoise builds a biased noise source. thresholds must hold one
// probability per usable logical pixel, in raster order.
func NewBiasedNoise(thresholds []float64, mask Mask, scale int, rng *rand.Rand) (*BiasedNoise, error) {
	b, err := newBase(mask, scale)
	if err != nil {
		return nil, err
	}
	if len(thresholds) != len(b.idx) {
		return nil, fmt.Errorf("%w: %d thresholds for %d usable pixels", ErrShape, len(thresholds), len(b.idx))
	}
	return &BiasedNoise{base: b, thresholds: thresholds, rng: rng}, nil
}

// LoadBias reads a bias file: a YAML (or JSON) list of probabilities.
func LoadBias(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bias: %w", err)
	}
	var out []float64
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse bias %s: %w", path, err)
	}
	for i, p := range out {
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("bias %s: entry %d = %g outside [0, 1]", path, i, p)
		}
	}
	return out, nil
}

func (s *BiasedNoise) Generate(b *FrameBatch) error {
	if err := s.check(b); err != nil {
		return err
	}
	b.ClearLogical()
	for f := 0; f < b.Frames; f++ {
		frame := b.LogicalFrame(f)
		for k, i := range s.idx {
			frame[i] = s.rng.Float64() < s.thresholds[k]
		}
	}
	return Render(b, s.mask)
}

// Scanner lights a few random usable pixels on every presentation frame,
// leaving gap blank frames between presentation frames.
type Scanner struct {
	base
	npix int
	gap  int
	rng  *rand.Rand
	pick []int
	// frame counts across batches so gaps line up over slot boundaries.
	frame int
}

// NewScanner builds a scanning spot source.
func NewScanner(npixels, gapFrames int, mask Mask, scale int, rng *rand.Rand) (*Scanner, error) {
	b, err := newBase(mask, scale)
	if err != nil {
		return nil, err
	}
	if npixels < 1 || npixels > len(b.idx) {
		return nil, fmt.Errorf("pattern: %d spots requested, %d usable pixels", npixels, len(b.idx))
	}
	if gapFrames < 0 {
		return nil, fmt.Errorf("pattern: negative gap %d", gapFrames)
	}
	return &Scanner{base: b, npix: npixels, gap: gapFrames, rng: rng, pick: append([]int(nil), b.idx...)}, nil
}

func (s *Scanner) Generate(b *FrameBatch) error {
	if err := s.check(b); err != nil {
		return err
	}
	b.ClearLogical()
	for f := 0; f < b.Frames; f++ {
		n := s.frame
		s.frame++
		if n%(s.gap+1) != 0 {
			continue
		}
		frame := b.LogicalFrame(f)
		// partial Fisher-Yates: the first npix entries become the draw
		for k := 0; k < s.npix; k++ {
			j := k + s.rng.IntN(len(s.pick)-k)
			s.pick[k], s.pick[j] = s.pick[j], s.pick[k]
			frame[s.pick[k]] = true
		}
	}
	return Render(b, s.mask)
}

// Counter writes the running frame number, least significant bit first, into
// the first usable logical pixels of each frame. Playing a run of it back
// through a camera shows whether any frame was dropped or repeated.
type Counter struct {
	base
	next uint32
}

// NewCounter builds a frame counter source.
func NewCounter(mask Mask, scale int) (*Counter, error) {
	b, err := newBase(mask, scale)
	if err != nil {
		return nil, err
	}
	return &Counter{base: b}, nil
}

func (s *Counter) Generate(b *FrameBatch) error {
	if err := s.check(b); err != nil {
		return err
	}
	b.ClearLogical()
	bits := min(32, len(s.idx))
	for f := 0; f < b.Frames; f++ {
		v := s.next
		frame := b.LogicalFrame(f)
		for k := 0; k < bits; k++ {
			frame[s.idx[k]] = v&(1<<k) != 0
		}
		s.next++
	}
	return Render(b, s.mask)
}

// DecodeCounter reads the frame number Counter wrote into a logical frame.
func DecodeCounter(frame []bool, mask Mask, scale int) (uint32, error) {
	_, _, idx := unmaskedIndex(mask, scale)
	bits := min(32, len(idx))
	var v uint32
	for k := 0; k < bits; k++ {
		if idx[k] >= len(frame) {
			return 0, ErrShape
		}
		if frame[idx[k]] {
			v |= 1 << k
		}
	}
	return v, nil
}
