package protocol

import (
	"strings"
	"unicode"
)

// CardID is the canonical form of a card UID: uppercase with all
// whitespace removed. Compare card ids only after Canon.
type CardID string

// Canon returns the canonical form of a raw card id.
func Canon(raw string) CardID {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return CardID(b.String())
}

// String implements fmt.Stringer.
func (c CardID) String() string { return string(c) }

// Empty reports whether the id carries no characters.
func (c CardID) Empty() bool { return c == "" }
