// Package noun provides the tagged-tree value exchanged with the host runtime.
//
// A Noun is either an Atom (an opaque byte sequence, read as a little-endian
// unsigned integer when compared) or a Cell (an ordered head/tail pair).
// Tuples are right-nested cells: [a b c] is [a [b c]].
//
// Values are immutable. Atoms copy their bytes on construction and on read,
// so no two messages ever share backing memory.
package noun

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidText is returned when an atom's bytes are not valid UTF-8.
var ErrInvalidText = errors.New("atom is not valid UTF-8 text")

// Noun is an Atom or a *Cell.
type Noun interface {
	isNoun()
	fmt.Stringer
}

// Atom is an opaque byte sequence in little-endian order.
// The zero value is the atom 0.
type Atom struct {
	data []byte
}

// Cell is an ordered pair of nouns.
type Cell struct {
	head Noun
	tail Noun
}

func (Atom) isNoun()  {}
func (*Cell) isNoun() {}

// Loobeans: Yes is 0 and No is 1.
var (
	Yes = D(0)
	No  = D(1)
)

// NewAtom returns an atom holding a copy of b.
func NewAtom(b []byte) Atom {
	if len(b) == 0 {
		return Atom{}
	}
	return Atom{data: bytes.Clone(b)}
}

// D returns the atom for a direct integer value.
func D(v uint64) Atom {
	var buf []byte
	for v > 0 {
		buf = append(buf, byte(v))
		v >>= 8
	}
	return Atom{data: buf}
}

// Tas returns the atom for a text tag (a cord), e.g. Tas("file") for %file.
func Tas(s string) Atom {
	return NewAtom([]byte(s))
}

// FromBool returns the loobean for b.
func FromBool(b bool) Atom {
	if b {
		return Yes
	}
	return No
}

// Bytes returns a copy of the atom's bytes exactly as constructed.
func (a Atom) Bytes() []byte {
	return bytes.Clone(a.data)
}

// Len returns the number of bytes held by the atom.
func (a Atom) Len() int {
	return len(a.data)
}

// significant returns the bytes without trailing zeros.
func (a Atom) significant() []byte {
	return bytes.TrimRight(a.data, "\x00")
}

// Equal reports whether a and b are the same integer.
// Trailing zero bytes are insignificant.
func (a Atom) Equal(b Atom) bool {
	return bytes.Equal(a.significant(), b.significant())
}

// Uint64 returns the atom as an integer if it fits in 64 bits.
func (a Atom) Uint64() (uint64, bool) {
	sig := a.significant()
	if len(sig) > 8 {
		return 0, false
	}
	var v uint64
	for i := len(sig) - 1; i >= 0; i-- {
		v = v<<8 | uint64(sig[i])
	}
	return v, true
}

// Text decodes the atom as a cord: trailing NUL bytes are dropped and the
// remainder must be valid UTF-8.
func (a Atom) Text() (string, error) {
	sig := a.significant()
	if !utf8.Valid(sig) {
		return "", ErrInvalidText
	}
	return string(sig), nil
}

// String renders the atom as %tag when it is a short printable cord and as
// an integer or hex literal otherwise.
func (a Atom) String() string {
	sig := a.significant()
	if v, ok := a.Uint64(); ok && (len(sig) == 0 || !isTag(sig)) {
		return fmt.Sprintf("%d", v)
	}
	if isTag(sig) {
		return "%" + string(sig)
	}
	return fmt.Sprintf("0x%x", reversed(sig))
}

// isTag reports whether b looks like a Hoon term: lowercase letters, digits
// and hyphens, starting with a letter.
func isTag(b []byte) bool {
	if len(b) == 0 || b[0] < 'a' || b[0] > 'z' {
		return false
	}
	for _, c := range b {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' {
			return false
		}
	}
	return true
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// NewCell returns the pair [head tail]. Nil children are treated as atom 0.
func NewCell(head, tail Noun) *Cell {
	if head == nil {
		head = Atom{}
	}
	if tail == nil {
		tail = Atom{}
	}
	return &Cell{head: head, tail: tail}
}

// Head returns the first element of the pair.
func (c *Cell) Head() Noun { return c.head }

// Tail returns the second element of the pair.
func (c *Cell) Tail() Noun { return c.tail }

// String renders the cell in tuple notation, flattening the right spine.
func (c *Cell) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(c.head.String())
	var cur Noun = c.tail
	for {
		next, ok := cur.(*Cell)
		if !ok {
			break
		}
		sb.WriteByte(' ')
		sb.WriteString(next.head.String())
		cur = next.tail
	}
	sb.WriteByte(' ')
	sb.WriteString(cur.String())
	sb.WriteByte(']')
	return sb.String()
}

// T builds the right-nested tuple of the given nouns.
// T(a) is a; T(a, b, c) is [a [b c]]. T panics when called with no nouns.
func T(nouns ...Noun) Noun {
	if len(nouns) == 0 {
		panic("noun: T requires at least one noun")
	}
	out := nouns[len(nouns)-1]
	if out == nil {
		out = Atom{}
	}
	for i := len(nouns) - 2; i >= 0; i-- {
		out = NewCell(nouns[i], out)
	}
	return out
}

// AsAtom returns n as an atom.
func AsAtom(n Noun) (Atom, bool) {
	a, ok := n.(Atom)
	return a, ok
}

// AsCell returns n as a cell.
func AsCell(n Noun) (*Cell, bool) {
	c, ok := n.(*Cell)
	return c, ok && c != nil
}

// Equal reports whether a and b are structurally equal.
// Atoms compare with integer semantics.
func Equal(a, b Noun) bool {
	switch x := a.(type) {
	case Atom:
		y, ok := b.(Atom)
		return ok && x.Equal(y)
	case *Cell:
		y, ok := b.(*Cell)
		if !ok || x == nil || y == nil {
			return ok && x == y
		}
		return Equal(x.head, y.head) && Equal(x.tail, y.tail)
	default:
		return false
	}
}

// Elements flattens the right spine of n into at most limit elements.
// The last element holds whatever remains, so Elements(T(a, b, c), 3)
// is [a b c] and Elements(T(a, b, c), 2) is [a [b c]].
func Elements(n Noun, limit int) []Noun {
	var out []Noun
	for len(out) < limit-1 {
		c, ok := AsCell(n)
		if !ok {
			break
		}
		out = append(out, c.head)
		n = c.tail
	}
	return append(out, n)
}
