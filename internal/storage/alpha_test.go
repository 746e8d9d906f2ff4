package storage

import "testing"

func TestAlphaCounter(t *testing.T) {
	var c AlphaCounter
	want := []string{"aaa", "aab", "aac"}
	for _, w := range want {
		if got := c.Next(); got != w {
			t.Fatalf("got %q, want %q", got, w)
		}
	}

	t.Run("carries_into_next_letter", func(t *testing.T) {
		c := AlphaCounter{n: 25}
		if got := c.Next(); got != "aaz" {
			t.Errorf("got %q, want aaz", got)
		}
		if got := c.Next(); got != "aba" {
			t.Errorf("got %q, want aba", got)
		}
	})

	t.Run("widens_after_zzz", func(t *testing.T) {
		c := AlphaCounter{n: 26*26*26 - 1}
		if got := c.Next(); got != "zzz" {
			t.Errorf("got %q, want zzz", got)
		}
		if got := c.Peek(); got != "baaa" {
			t.Errorf("got %q, want baaa", got)
		}
	})
}

func TestPackBits_round_trip(t *testing.T) {
	px := []bool{true, false, false, true, true, false, true, false, true, true}
	got, err := decodeFrames(encodeFrames(px), len(px))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range px {
		if got[i] != px[i] {
			t.Fatalf("pixel %d: got %v, want %v", i, got[i], px[i])
		}
	}

	if _, err := unpackBits([]byte{0}, 10); err == nil {
		t.Error("expected length error")
	}
}
