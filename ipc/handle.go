package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pithecene-io/filedriver/driver"
	"github.com/pithecene-io/filedriver/noun"
	"github.com/pithecene-io/filedriver/types"
)

var _ driver.Handle = (*StreamHandle)(nil)

// StreamHandle implements driver.Handle over a framed byte stream.
// Effects are read from r and pokes are written to w.
//
// A fatal frame error leaves the input out of sync. It and every later
// NextEffect error wrap driver.ErrSourceBroken.
type StreamHandle struct {
	decoder *FrameDecoder
	encoder *FrameEncoder

	readMu  sync.Mutex
	broken  bool
	writeMu sync.Mutex
}

// NewStreamHandle creates a handle reading effects from r and writing pokes to w.
func NewStreamHandle(r io.Reader, w io.Writer) *StreamHandle {
	return &StreamHandle{
		decoder: NewFrameDecoder(r),
		encoder: NewFrameEncoder(w),
	}
}

// NextEffect reads the next effect frame.
// Blocks on the underlying reader; ctx is checked before each read.
func (h *StreamHandle) NextEffect(ctx context.Context) (noun.Noun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.readMu.Lock()
	defer h.readMu.Unlock()

	if h.broken {
		return nil, fmt.Errorf("%w: input stream out of sync", driver.ErrSourceBroken)
	}

	payload, err := h.decoder.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, driver.ErrEffectsClosed
		}
		if IsFatalFrameError(err) {
			h.broken = true
			return nil, fmt.Errorf("%w: read effect frame: %w", driver.ErrSourceBroken, err)
		}
		return nil, fmt.Errorf("read effect frame: %w", err)
	}

	frame, err := DecodeFrame(payload)
	if err != nil {
		return nil, err
	}
	effect, ok := frame.(*Effect)
	if !ok {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("expected %s frame, got %T", EffectType, frame),
		}
	}
	return effect.Noun, nil
}

// Poke writes a poke frame.
func (h *StreamHandle) Poke(ctx context.Context, wire types.Wire, poke noun.Noun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := EncodePoke(wire, poke)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.encoder.WriteFrame(payload)
}
