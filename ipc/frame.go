// Package ipc implements the stream framing used by the filedriver CLI.
//
// Each frame is a 4-byte big-endian length prefix followed by a msgpack map
// with a "type" discriminant:
//
//	{"type": "effect", "noun": N}                 host -> driver
//	{"type": "poke", "wire": W, "noun": N}         driver -> host
//
// Atoms travel as bin and cells as two-element arrays. Frames are decoded
// field by field so that cell nesting is bounded by MaxNounDepth while the
// bytes are read.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/filedriver/noun"
	"github.com/pithecene-io/filedriver/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Frame type discriminants.
const (
	EffectType = "effect"
	PokeType   = "poke"
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack or noun decoding error.
	FrameErrorDecode
	// FrameErrorEncode indicates a frame could not be built or written.
	FrameErrorEncode
)

// FrameError represents a frame error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream cannot be read past this error.
// Partial and oversized frames leave the stream out of sync.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// FrameEncoder writes length-prefixed frames to a stream.
type FrameEncoder struct {
	writer io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// WriteFrame writes payload with its length prefix in a single Write call.
func (e *FrameEncoder) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	if _, err := e.writer.Write(buf); err != nil {
		return &FrameError{
			Kind: FrameErrorEncode,
			Msg:  "failed to write frame",
			Err:  err,
		}
	}
	return nil
}

// Effect is a decoded effect frame.
type Effect struct {
	Noun noun.Noun
}

// Poke is a decoded poke frame.
type Poke struct {
	Wire types.Wire
	Noun noun.Noun
}

// frameFields collects the keys of a frame map as they are read.
// Unknown keys are skipped.
type frameFields struct {
	typ     string
	wire    types.Wire
	noun    noun.Noun
	hasNoun bool
}

// readFrameFields decodes the top-level map of a payload. Nouns are built
// while the bytes are read so that nesting limits apply before any
// recursion; nothing walks the payload through a generic decoder first.
func readFrameFields(payload []byte) (*frameFields, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New("frame is nil, want map")
	}

	f := &frameFields{}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("frame key: %w", err)
		}
		switch key {
		case "type":
			if f.typ, err = dec.DecodeString(); err != nil {
				return nil, fmt.Errorf("type: %w", err)
			}
		case "noun":
			if f.noun, err = decodeNoun(dec, 0); err != nil {
				return nil, fmt.Errorf("noun: %w", err)
			}
			f.hasNoun = true
		case "wire":
			if f.wire, err = decodeWire(dec); err != nil {
				return nil, fmt.Errorf("wire: %w", err)
			}
		default:
			if err := skipValue(dec); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return f, nil
}

func decodeWire(dec *msgpack.Decoder) (types.Wire, error) {
	var w types.Wire
	n, err := dec.DecodeMapLen()
	if err != nil || n < 0 {
		return w, err
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return w, err
		}
		switch key {
		case "source":
			w.Source, err = dec.DecodeString()
		case "version":
			w.Version, err = dec.DecodeUint64()
		case "tags":
			w.Tags, err = decodeTags(dec)
		default:
			err = skipValue(dec)
		}
		if err != nil {
			return w, fmt.Errorf("%s: %w", key, err)
		}
	}
	return w, nil
}

func decodeTags(dec *msgpack.Decoder) ([]string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil || n < 0 {
		return nil, err
	}
	tags := make([]string, 0, min(n, 16))
	for i := 0; i < n; i++ {
		tag, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// EncodeEffect builds the payload of an effect frame.
func EncodeEffect(n noun.Noun) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	err := errors.Join(
		enc.EncodeMapLen(2),
		enc.EncodeString("type"),
		enc.EncodeString(EffectType),
		enc.EncodeString("noun"),
	)
	if err == nil {
		err = encodeNoun(enc, n)
	}
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode effect", Err: err}
	}
	return buf.Bytes(), nil
}

// EncodePoke builds the payload of a poke frame.
func EncodePoke(wire types.Wire, n noun.Noun) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	err := errors.Join(
		enc.EncodeMapLen(3),
		enc.EncodeString("type"),
		enc.EncodeString(PokeType),
		enc.EncodeString("wire"),
		enc.Encode(wire),
		enc.EncodeString("noun"),
	)
	if err == nil {
		err = encodeNoun(enc, n)
	}
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode poke", Err: err}
	}
	return buf.Bytes(), nil
}

// DecodeFrame decodes a payload and returns either an *Effect or a *Poke.
func DecodeFrame(payload []byte) (any, error) {
	f, err := readFrameFields(payload)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode frame", Err: err}
	}

	switch f.typ {
	case EffectType:
		return f.effect()
	case PokeType:
		return f.poke()
	default:
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("unknown frame type %q", f.typ),
		}
	}
}

// DecodeEffect decodes a payload as an effect frame.
func DecodeEffect(payload []byte) (*Effect, error) {
	f, err := readFrameFields(payload)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode effect", Err: err}
	}
	return f.effect()
}

// DecodePoke decodes a payload as a poke frame.
func DecodePoke(payload []byte) (*Poke, error) {
	f, err := readFrameFields(payload)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode poke", Err: err}
	}
	return f.poke()
}

func (f *frameFields) effect() (*Effect, error) {
	if !f.hasNoun {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "effect frame has no noun"}
	}
	return &Effect{Noun: f.noun}, nil
}

func (f *frameFields) poke() (*Poke, error) {
	if !f.hasNoun {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "poke frame has no noun"}
	}
	return &Poke{Wire: f.wire, Noun: f.noun}, nil
}
