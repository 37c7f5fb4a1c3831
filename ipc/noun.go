package ipc

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/pithecene-io/filedriver/noun"
)

// MaxNounDepth bounds cell nesting accepted on decode.
const MaxNounDepth = 4096

// ErrNounTooDeep is returned when a wire noun nests deeper than MaxNounDepth.
var ErrNounTooDeep = errors.New("noun nesting exceeds maximum depth")

func isArrayCode(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

func isMapCode(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}

// encodeNoun writes n to enc: atoms as bin, cells as [head, tail].
func encodeNoun(enc *msgpack.Encoder, n noun.Noun) error {
	switch v := n.(type) {
	case noun.Atom:
		b := v.Bytes()
		if b == nil {
			b = []byte{}
		}
		return enc.EncodeBytes(b)
	case *noun.Cell:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := encodeNoun(enc, v.Head()); err != nil {
			return err
		}
		return encodeNoun(enc, v.Tail())
	default:
		return fmt.Errorf("unsupported noun value of type %T", n)
	}
}

// decodeNoun reads one noun from dec. Nesting is checked before each
// array is entered, so input depth never drives unbounded recursion.
//
// Accepts bin and str as atom bytes, non-negative integers as direct
// atoms, nil as atom 0, and two-element arrays as cells.
func decodeNoun(dec *msgpack.Decoder, depth int) (noun.Noun, error) {
	if depth > MaxNounDepth {
		return nil, ErrNounTooDeep
	}

	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	switch {
	case isArrayCode(code):
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if n != 2 {
			return nil, fmt.Errorf("cell must have 2 elements, got %d", n)
		}
		head, err := decodeNoun(dec, depth+1)
		if err != nil {
			return nil, err
		}
		tail, err := decodeNoun(dec, depth+1)
		if err != nil {
			return nil, err
		}
		return noun.NewCell(head, tail), nil
	case isMapCode(code):
		return nil, errors.New("map is not a noun")
	default:
		// Remaining codes are scalars; DecodeInterface does not recurse for them.
		v, err := dec.DecodeInterface()
		if err != nil {
			return nil, err
		}
		return atomFrom(v)
	}
}

func atomFrom(v any) (noun.Noun, error) {
	switch x := v.(type) {
	case nil:
		return noun.D(0), nil
	case []byte:
		return noun.NewAtom(x), nil
	case string:
		return noun.Tas(x), nil
	case uint8:
		return noun.D(uint64(x)), nil
	case uint16:
		return noun.D(uint64(x)), nil
	case uint32:
		return noun.D(uint64(x)), nil
	case uint64:
		return noun.D(x), nil
	case int8:
		return signed(int64(x))
	case int16:
		return signed(int64(x))
	case int32:
		return signed(int64(x))
	case int64:
		return signed(x)
	default:
		return nil, fmt.Errorf("unsupported noun value of type %T", v)
	}
}

func signed(v int64) (noun.Noun, error) {
	if v < 0 {
		return nil, fmt.Errorf("negative integer %d is not an atom", v)
	}
	return noun.D(uint64(v)), nil
}

// skipValue discards one value of any shape without recursing.
func skipValue(dec *msgpack.Decoder) error {
	for pending := 1; pending > 0; pending-- {
		code, err := dec.PeekCode()
		if err != nil {
			return err
		}
		switch {
		case isArrayCode(code):
			n, err := dec.DecodeArrayLen()
			if err != nil {
				return err
			}
			pending += n
		case isMapCode(code):
			n, err := dec.DecodeMapLen()
			if err != nil {
				return err
			}
			pending += 2 * n
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}
