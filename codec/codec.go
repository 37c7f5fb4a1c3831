// Package codec translates between file effect/poke nouns and typed
// file requests/responses.
//
// Effect shapes:
//
//	[%file %read path=@t]
//	[%file %write path=@t contents=@]
//
// Poke shapes:
//
//	[%file %read ~ contents=@]                 read success
//	[%file %read ~]                            read failure
//	[%file %write path=@t contents=@ success=?] write result
//
// Structural mismatches decode to types.Unrecognized with no error.
// A path atom that is present but not valid UTF-8 is a *DecodeError.
package codec

import (
	"fmt"

	"github.com/pithecene-io/filedriver/noun"
	"github.com/pithecene-io/filedriver/types"
)

// Tags used in file effects and pokes.
var (
	TagFile  = noun.Tas(types.FileSource)
	TagRead  = noun.Tas(string(types.OperationRead))
	TagWrite = noun.Tas(string(types.OperationWrite))
)

// DecodeError is a protocol violation: the effect has a valid shape but
// invalid content. It is fatal to the iteration that produced it.
type DecodeError struct {
	Op  types.Operation
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s effect: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("decode %s effect: %s", e.Op, e.Msg)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsAddressed reports whether the effect is a cell headed by %file.
// Effects failing this check belong to another driver.
func IsAddressed(effect noun.Noun) bool {
	c, ok := noun.AsCell(effect)
	if !ok {
		return false
	}
	return atomEquals(c.Head(), TagFile)
}

// operationOf returns the operation tag at the head of the file body.
func operationOf(body noun.Noun) (types.Operation, noun.Noun, bool) {
	c, ok := noun.AsCell(body)
	if !ok {
		return "", nil, false
	}
	switch {
	case atomEquals(c.Head(), TagRead):
		return types.OperationRead, c.Tail(), true
	case atomEquals(c.Head(), TagWrite):
		return types.OperationWrite, c.Tail(), true
	default:
		return "", nil, false
	}
}

// readPayload returns the path atom of a read effect.
func readPayload(payload noun.Noun) (noun.Atom, bool) {
	return noun.AsAtom(payload)
}

// writePayload returns the path and contents atoms of a write effect.
func writePayload(payload noun.Noun) (noun.Atom, noun.Atom, bool) {
	c, ok := noun.AsCell(payload)
	if !ok {
		return noun.Atom{}, noun.Atom{}, false
	}
	path, ok := noun.AsAtom(c.Head())
	if !ok {
		return noun.Atom{}, noun.Atom{}, false
	}
	contents, ok := noun.AsAtom(c.Tail())
	if !ok {
		return noun.Atom{}, noun.Atom{}, false
	}
	return path, contents, true
}

func atomEquals(n noun.Noun, tag noun.Atom) bool {
	a, ok := noun.AsAtom(n)
	return ok && a.Equal(tag)
}

// Decode decodes an effect into a file request.
//
// Checks run in order; the first failing structural check yields
// types.Unrecognized:
//  1. effect is a cell headed by %file
//  2. the tail is a cell headed by %read or %write
//  3. read: the payload is an atom; write: the payload is a cell of two atoms
//
// The effect is only borrowed; the returned request owns its bytes.
func Decode(effect noun.Noun) (types.FileRequest, error) {
	if !IsAddressed(effect) {
		return types.Unrecognized, nil
	}
	body := effect.(*noun.Cell).Tail()

	op, payload, ok := operationOf(body)
	if !ok {
		return types.Unrecognized, nil
	}

	switch op {
	case types.OperationRead:
		pathAtom, ok := readPayload(payload)
		if !ok {
			return types.Unrecognized, nil
		}
		path, err := pathText(op, pathAtom)
		if err != nil {
			return types.Unrecognized, err
		}
		return types.ReadRequest(path), nil

	case types.OperationWrite:
		pathAtom, contentsAtom, ok := writePayload(payload)
		if !ok {
			return types.Unrecognized, nil
		}
		path, err := pathText(op, pathAtom)
		if err != nil {
			return types.Unrecognized, err
		}
		return types.WriteRequest(path, contentsAtom.Bytes()), nil
	}

	return types.Unrecognized, nil
}

func pathText(op types.Operation, a noun.Atom) (string, error) {
	path, err := a.Text()
	if err != nil {
		return "", &DecodeError{Op: op, Msg: "invalid path", Err: err}
	}
	return path, nil
}

// Encode builds the poke noun for a response. The result is freshly
// allocated and shares no memory with resp.
func Encode(resp types.FileResponse) noun.Noun {
	switch resp.Op {
	case types.OperationWrite:
		return noun.T(
			TagFile,
			TagWrite,
			noun.Tas(resp.Path),
			noun.NewAtom(resp.Contents),
			noun.FromBool(resp.Success),
		)
	default:
		if !resp.Success {
			return noun.T(TagFile, TagRead, noun.D(0))
		}
		return noun.T(TagFile, TagRead, noun.D(0), noun.NewAtom(resp.Contents))
	}
}

// WireFor returns the correlation label for pokes answering op.
func WireFor(op types.Operation) types.Wire {
	return types.NewWire(types.FileSource, types.FileWireVersion, string(op))
}
