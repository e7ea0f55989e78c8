// Package domain defines the core data structures of the DCA trade engine.
package domain

// Pair is a trading-pair symbol, e.g. "HBARUSDT".
type Pair string

func (p Pair) String() string {
	return string(p)
}

// Valid reports whether the pair symbol is non-empty.
func (p Pair) Valid() bool {
	return p != ""
}
