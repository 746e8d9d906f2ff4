package pattern

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestNewFrameBatch_shape(t *testing.T) {
	b, err := NewFrameBatch(3, 10, 9, 4)
	if err != nil {
		t.Fatalf("NewFrameBatch: %v", err)
	}
	if b.Width != 2 || b.Height != 2 {
		t.Errorf("logical size: got %dx%d, want 2x2", b.Width, b.Height)
	}
	if len(b.Logical) != 3*2*2 || len(b.Device) != 3*10*9 {
		t.Errorf("buffer sizes: logical=%d device=%d", len(b.Logical), len(b.Device))
	}

	t.Run("scale_larger_than_device", func(t *testing.T) {
		_, err := NewFrameBatch(1, 3, 3, 4)
		if !errors.Is(err, ErrShape) {
			t.Errorf("expected ErrShape, got %v", err)
		}
	})
}

func TestZoom_blocks_and_borders(t *testing.T) {
	b, _ := NewFrameBatch(1, 5, 4, 2) // logical 2x2, one spare mirror column
	for i := range b.Device {
		b.Device[i] = 7 // stale content from a previous fill
	}
	b.Logical[0] = true // (0,0)
	b.Logical[3] = true // (1,1)
	Zoom(b)

	want := []byte{
		255, 255, 0, 0, 0,
		255, 255, 0, 0, 0,
		0, 0, 255, 255, 0,
		0, 0, 255, 255, 0,
	}
	for i, v := range want {
		if b.Device[i] != v {
			t.Fatalf("device[%d]: got %d, want %d (%v)", i, b.Device[i], v, b.Device)
		}
	}
}

func TestApplyMask(t *testing.T) {
	b, _ := NewFrameBatch(2, 2, 2, 1)
	for i := range b.Logical {
		b.Logical[i] = true
	}
	m := Mask{Width: 2, Height: 2, On: []bool{true, false, false, true}}
	if err := Render(b, m); err != nil {
		t.Fatalf("Render: %v", err)
	}
	for f := 0; f < 2; f++ {
		got := b.DeviceFrame(f)
		if got[0] != 255 || got[1] != 0 || got[2] != 0 || got[3] != 255 {
			t.Errorf("frame %d: %v", f, got)
		}
	}

	if err := ApplyMask(b, FullMask(3, 3)); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for mismatched mask, got %v", err)
	}
}

func TestClone_is_independent(t *testing.T) {
	b, _ := NewFrameBatch(1, 4, 4, 2)
	c := b.Clone()
	b.Logical[0] = true
	b.Device[0] = 255
	if c.Logical[0] || c.Device[0] != 0 {
		t.Error("clone shares buffers with the original")
	}
}

func TestMask_Unmasked(t *testing.T) {
	m := Mask{Width: 4, Height: 2, On: []bool{
		false, false, false, true,
		false, false, false, false,
	}}
	h, w, usable := m.Unmasked(2)
	if h != 1 || w != 2 {
		t.Fatalf("logical size %dx%d", w, h)
	}
	if usable[0] || !usable[1] {
		t.Errorf("usable: %v", usable)
	}
}

func TestMaskFromImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 1))
	img.Set(1, 0, color.Gray{Y: 200})
	m := MaskFromImage(img)
	if m.Count() != 1 || !m.On[1] {
		t.Errorf("mask: %v", m.On)
	}

	back, err := MaskFromBytes(3, 1, m.Bytes())
	if err != nil {
		t.Fatalf("MaskFromBytes: %v", err)
	}
	if back.Count() != 1 || !back.On[1] {
		t.Errorf("round trip: %v", back.On)
	}
}
