// Package driver runs the file effect loop.
//
// The loop has a single steady state, waiting for the next effect. Each
// iteration fetches one effect, filters it, decodes it, performs the file
// operation and emits exactly one poke. Operations never overlap: the next
// effect is not fetched until the previous poke has been delivered.
//
// Failure handling follows ActionFor:
//   - structural mismatches are dropped without a response
//   - fetch failures are logged and the loop continues
//   - filesystem failures become negative pokes
//   - protocol violations and emit failures end Run with a *LoopError so a
//     Supervisor can restart it
//   - a broken effect source ends Run with a *LoopError that is not restarted
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/filedriver/codec"
	"github.com/pithecene-io/filedriver/fsexec"
	"github.com/pithecene-io/filedriver/log"
	"github.com/pithecene-io/filedriver/metrics"
	"github.com/pithecene-io/filedriver/noun"
	"github.com/pithecene-io/filedriver/types"
)

// ErrEffectsClosed is returned by Handle.NextEffect when no more effects
// will arrive. The loop stops cleanly.
var ErrEffectsClosed = errors.New("effect source closed")

// ErrSourceBroken is wrapped by Handle.NextEffect errors when the source can
// no longer deliver effects, e.g. after a truncated frame. Unlike
// ErrEffectsClosed it is a failure.
var ErrSourceBroken = errors.New("effect source broken")

// Handle is the loop's view of the driver framework.
type Handle interface {
	// NextEffect blocks until the next effect is available.
	// Returns ErrEffectsClosed when the source is exhausted and an error
	// wrapping ErrSourceBroken when it cannot be read any further.
	NextEffect(ctx context.Context) (noun.Noun, error)
	// Poke delivers a response noun labelled with wire.
	Poke(ctx context.Context, wire types.Wire, poke noun.Noun) error
}

// LoopErrorKind classifies errors that end Run.
type LoopErrorKind int

const (
	// LoopErrorProtocol indicates an effect with a valid shape but invalid content.
	LoopErrorProtocol LoopErrorKind = iota
	// LoopErrorEmit indicates the downstream sink rejected a poke.
	LoopErrorEmit
	// LoopErrorCanceled indicates context cancellation.
	LoopErrorCanceled
	// LoopErrorSource indicates the effect source broke mid-stream.
	LoopErrorSource
)

func (k LoopErrorKind) String() string {
	switch k {
	case LoopErrorProtocol:
		return "protocol"
	case LoopErrorEmit:
		return "emit"
	case LoopErrorCanceled:
		return "canceled"
	case LoopErrorSource:
		return "source"
	default:
		return "unknown"
	}
}

// LoopError is a failure that ends the current iteration and Run.
type LoopError struct {
	Kind LoopErrorKind
	Err  error
}

func (e *LoopError) Error() string {
	return e.Err.Error()
}

func (e *LoopError) Unwrap() error {
	return e.Err
}

func loopErrorKind(err error) (LoopErrorKind, bool) {
	var loopErr *LoopError
	if errors.As(err, &loopErr) {
		return loopErr.Kind, true
	}
	return 0, false
}

// IsProtocolError returns true if err is a protocol violation.
func IsProtocolError(err error) bool {
	kind, ok := loopErrorKind(err)
	return ok && kind == LoopErrorProtocol
}

// IsEmitError returns true if err is a poke delivery failure.
func IsEmitError(err error) bool {
	kind, ok := loopErrorKind(err)
	return ok && kind == LoopErrorEmit
}

// IsCanceledError returns true if err is due to context cancellation.
func IsCanceledError(err error) bool {
	kind, ok := loopErrorKind(err)
	return ok && kind == LoopErrorCanceled
}

// IsSourceError returns true if err is due to a broken effect source.
func IsSourceError(err error) bool {
	kind, ok := loopErrorKind(err)
	return ok && kind == LoopErrorSource
}

// State is the loop's control state.
type State int

const (
	// StateAwaitingEffect is the single steady state.
	StateAwaitingEffect State = iota
	// StateStopped is entered when Run returns.
	StateStopped
)

func (s State) String() string {
	if s == StateAwaitingEffect {
		return "awaiting_effect"
	}
	return "stopped"
}

// Disposition records how Step handled one effect.
type Disposition int

const (
	// DispositionFetchFailed means no effect was obtained.
	DispositionFetchFailed Disposition = iota
	// DispositionFiltered means the effect belonged to another driver.
	DispositionFiltered
	// DispositionUnrecognized means a file effect did not match a known shape.
	DispositionUnrecognized
	// DispositionRejected means a file effect carried invalid content.
	DispositionRejected
	// DispositionResponded means exactly one poke was delivered.
	DispositionResponded
	// DispositionEmitFailed means a response was built but not delivered.
	DispositionEmitFailed
)

func (d Disposition) String() string {
	switch d {
	case DispositionFetchFailed:
		return "fetch_failed"
	case DispositionFiltered:
		return "filtered"
	case DispositionUnrecognized:
		return "unrecognized"
	case DispositionRejected:
		return "rejected"
	case DispositionResponded:
		return "responded"
	case DispositionEmitFailed:
		return "emit_failed"
	default:
		return "unknown"
	}
}

// Loop is the file effect loop. It is not safe for concurrent use.
type Loop struct {
	handle    Handle
	executor  *fsexec.Executor
	logger    *log.Logger
	collector *metrics.Collector
	state     State
	responded uint64
}

// NewLoop creates a new effect loop.
// A nil logger discards output; a nil collector records nothing.
func NewLoop(
	handle Handle,
	executor *fsexec.Executor,
	logger *log.Logger,
	collector *metrics.Collector,
) *Loop {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Loop{
		handle:    handle,
		executor:  executor,
		logger:    logger,
		collector: collector,
		state:     StateAwaitingEffect,
	}
}

// State returns the loop's current control state.
func (l *Loop) State() State {
	return l.state
}

// Responded returns the number of pokes delivered over the loop's lifetime.
func (l *Loop) Responded() uint64 {
	return l.responded
}

// Run processes effects until the source closes or a fatal failure occurs.
// Returns:
//   - nil: the effect source closed (ErrEffectsClosed)
//   - *LoopError with Kind=LoopErrorProtocol: invalid effect content
//   - *LoopError with Kind=LoopErrorEmit: a poke could not be delivered
//   - *LoopError with Kind=LoopErrorCanceled: context canceled
//   - *LoopError with Kind=LoopErrorSource: the effect source broke
//
// Run may be called again after it returns; the loop holds no state
// between iterations.
func (l *Loop) Run(ctx context.Context) error {
	l.state = StateAwaitingEffect
	defer func() { l.state = StateStopped }()

	for {
		_, err := l.Step(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrEffectsClosed) {
			l.logger.Info("effect source closed", nil)
			return nil
		}
		return err
	}
}

// Step handles exactly one effect.
// A nil error means the loop should continue; ErrEffectsClosed means the
// source is exhausted; a *LoopError is fatal for this iteration.
func (l *Loop) Step(ctx context.Context) (Disposition, error) {
	if err := ctx.Err(); err != nil {
		return DispositionFetchFailed, &LoopError{Kind: LoopErrorCanceled, Err: err}
	}

	effect, err := l.handle.NextEffect(ctx)
	if err != nil {
		return DispositionFetchFailed, l.fetchFailed(ctx, err)
	}
	l.collector.IncEffectsReceived()

	if !codec.IsAddressed(effect) {
		l.collector.IncEffectsFiltered()
		return DispositionFiltered, nil
	}

	req, err := codec.Decode(effect)
	if err != nil {
		l.collector.IncProtocolErrors()
		l.logger.Error("invalid file effect", map[string]any{
			"error":  err.Error(),
			"action": ActionFor(FailureProtocol).String(),
		})
		return DispositionRejected, &LoopError{
			Kind: LoopErrorProtocol,
			Err:  fmt.Errorf("protocol violation: %w", err),
		}
	}
	if !req.IsRecognized() {
		l.collector.IncEffectsUnrecognized()
		l.logger.Debug("ignoring unrecognized file effect", map[string]any{
			"action": ActionFor(FailureStructural).String(),
		})
		return DispositionUnrecognized, nil
	}

	resp := l.dispatch(req)

	if err := l.emit(ctx, resp); err != nil {
		return DispositionEmitFailed, err
	}
	l.responded++
	return DispositionResponded, nil
}

// fetchFailed maps a NextEffect error onto the loop's outcome.
func (l *Loop) fetchFailed(ctx context.Context, err error) error {
	if errors.Is(err, ErrEffectsClosed) {
		return ErrEffectsClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &LoopError{Kind: LoopErrorCanceled, Err: ctxErr}
	}

	l.collector.IncFetchErrors()
	if errors.Is(err, ErrSourceBroken) {
		l.logger.Error("effect source broken", map[string]any{
			"error":  err.Error(),
			"action": ActionFor(FailureSource).String(),
		})
		return &LoopError{Kind: LoopErrorSource, Err: err}
	}
	l.logger.Error("error receiving effect", map[string]any{
		"error":  err.Error(),
		"action": ActionFor(FailureFetch).String(),
	})
	return nil
}

// dispatch performs the file operation. It always produces a response.
func (l *Loop) dispatch(req types.FileRequest) types.FileResponse {
	switch req.Op {
	case types.OperationWrite:
		return l.write(req)
	default:
		return l.read(req)
	}
}

func (l *Loop) read(req types.FileRequest) types.FileResponse {
	contents, err := l.executor.Read(req.Path)
	if err != nil {
		l.collector.RecordRead(false, 0)
		l.logger.Warn("file driver: read failed", map[string]any{
			"path":   req.Path,
			"error":  err.Error(),
			"action": ActionFor(FailureRead).String(),
		})
		return types.ReadErr()
	}

	l.collector.RecordRead(true, len(contents))
	l.logger.Debug("file driver: read file", map[string]any{
		"path":  req.Path,
		"bytes": len(contents),
	})
	return types.ReadOk(contents)
}

func (l *Loop) write(req types.FileRequest) types.FileResponse {
	l.logger.Debug("file driver: writing file", map[string]any{
		"path":  req.Path,
		"bytes": len(req.Contents),
	})

	if err := l.executor.Write(req.Path, req.Contents); err != nil {
		kind := FailureWrite
		message := "file driver: error writing to path"
		if fsexec.IsMkdirError(err) {
			kind = FailureMkdir
			message = "file driver: error creating directories"
		}
		l.collector.RecordWrite(false, kind == FailureMkdir, len(req.Contents))
		l.logger.Error(message, map[string]any{
			"path":   req.Path,
			"error":  err.Error(),
			"action": ActionFor(kind).String(),
		})
		return types.WriteResult(req.Path, req.Contents, false)
	}

	l.collector.RecordWrite(true, false, len(req.Contents))
	return types.WriteResult(req.Path, req.Contents, true)
}

func (l *Loop) emit(ctx context.Context, resp types.FileResponse) error {
	wire := codec.WireFor(resp.Op)
	if err := l.handle.Poke(ctx, wire, codec.Encode(resp)); err != nil {
		l.collector.IncEmitFailures()
		l.logger.Error("poke delivery failed", map[string]any{
			"op":     string(resp.Op),
			"error":  err.Error(),
			"action": ActionFor(FailureEmit).String(),
		})
		return &LoopError{
			Kind: LoopErrorEmit,
			Err:  fmt.Errorf("poke %s: %w", resp.Op, err),
		}
	}
	l.collector.IncPokesEmitted()
	return nil
}
