package storage

// AlphaCounter produces presentation group tags: aaa, aab, ..., aaz, aba, ...
// It counts in base 26 with at least three letters and widens once zzz is
// used up.
type AlphaCounter struct {
	n int
}

// Next returns the next tag.
func (c *AlphaCounter) Next() string {
	tag := alphaTag(c.n)
	c.n++
	return tag
}

// Peek returns the tag Next would return, without advancing.
func (c *AlphaCounter) Peek() string { return alphaTag(c.n) }

func alphaTag(n int) string {
	var buf [16]byte
	i := len(buf)
	for digits := 0; digits < 3 || n > 0; digits++ {
		i--
		buf[i] = byte('a' + n%26)
		n /= 26
	}
	return string(buf[i:])
}
