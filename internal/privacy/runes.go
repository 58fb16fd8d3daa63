package privacy

import "unicode/utf8"

// runeCursor converts increasing byte offsets of a string into rune offsets
// without rescanning from the start on every call.
type runeCursor struct {
	s       string
	bytePos int
	runePos int
}

func newRuneCursor(s string) *runeCursor {
	return &runeCursor{s: s}
}

// at returns the rune offset of byte offset b. Calls must use
// non-decreasing b; a smaller b restarts from the beginning.
func (c *runeCursor) at(b int) int {
	if b < c.bytePos {
		c.bytePos, c.runePos = 0, 0
	}
	c.runePos += utf8.RuneCountInString(c.s[c.bytePos:b])
	c.bytePos = b
	return c.runePos
}
