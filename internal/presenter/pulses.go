package presenter

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrPulseRange is returned when the requested sync pulse widths cannot be
// placed in the configured range.
var ErrPulseRange = errors.New("sync pulse widths do not fit the configured range")

// DefaultPulseAttempts caps the draws spent on each pulse width.
const DefaultPulseAttempts = 100000

// AssignPulseWidths draws n distinct widths in [lo, hi) on a microsecond grid,
// every pair at least minSep apart. Each width gets at most maxAttempts draws.
func AssignPulseWidths(rng *rand.Rand, n int, lo, hi, minSep time.Duration, maxAttempts int) ([]time.Duration, error) {
	if n < 1 {
		return nil, nil
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPulseAttempts
	}
	loUS, hiUS, sepUS := lo.Microseconds(), hi.Microseconds(), minSep.Microseconds()
	if loUS < 1 || hiUS <= loUS {
		return nil, fmt.Errorf("%w: empty range [%s, %s)", ErrPulseRange, lo, hi)
	}
	// The widest possible spread puts the first value at lo and the last at hi-1.
	if int64(n-1)*sepUS > hiUS-1-loUS {
		return nil, fmt.Errorf("%w: %d widths %s apart need more than [%s, %s)", ErrPulseRange, n, minSep, lo, hi)
	}

	out := make([]int64, 0, n)
	for len(out) < n {
		placed := false
		for attempt := 0; attempt < maxAttempts; attempt++ {
			v := loUS + rng.Int64N(hiUS-loUS)
			if separated(out, v, sepUS) {
				out = append(out, v)
				placed = true
				break
			}
		}
		if !placed {
			return nil, fmt.Errorf("%w: no room for width %d of %d after %d draws", ErrPulseRange, len(out)+1, n, maxAttempts)
		}
	}

	widths := make([]time.Duration, n)
	for i, v := range out {
		widths[i] = time.Duration(v) * time.Microsecond
	}
	return widths, nil
}

func separated(vals []int64, v, sep int64) bool {
	for _, u := range vals {
		d := v - u
		if d < 0 {
			d = -d
		}
		if d < sep {
			return false
		}
	}
	return true
}
