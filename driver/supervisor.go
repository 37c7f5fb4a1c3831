package driver

import (
	"context"
	"time"

	"github.com/pithecene-io/filedriver/log"
	"github.com/pithecene-io/filedriver/metrics"
)

// DefaultMaxRestarts is the default number of restarts after fatal iterations.
const DefaultMaxRestarts = 3

// DefaultBackoff is the default delay before the first restart.
const DefaultBackoff = 500 * time.Millisecond

// Supervisor restarts a Loop after protocol or emit failures.
//
// Clean source closure, context cancellation and a broken source end
// supervision immediately. Restart n waits Backoff * 2^(n-1) before rerunning
// the loop. A run that delivers at least one poke before failing resets the
// count, so MaxRestarts bounds consecutive failures rather than lifetime ones.
type Supervisor struct {
	Loop *Loop
	// MaxRestarts bounds consecutive restarts; 0 disables restarting.
	MaxRestarts int
	// Backoff is the delay before the first restart.
	Backoff   time.Duration
	Logger    *log.Logger
	Collector *metrics.Collector
}

// Run supervises the loop.
// Returns nil on clean closure, the cancellation error on context
// cancellation, the source error when the source breaks, or the last fatal
// error once restarts are exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	restarts := 0
	for {
		before := s.Loop.Responded()
		err := s.Loop.Run(ctx)
		if err == nil || IsCanceledError(err) {
			return err
		}
		if IsSourceError(err) {
			logger.Error("effect loop failed, source is not restartable", map[string]any{
				"error": err.Error(),
			})
			return err
		}
		if s.Loop.Responded() > before {
			restarts = 0
		}

		if restarts >= s.MaxRestarts {
			logger.Error("effect loop failed, restarts exhausted", map[string]any{
				"error":    err.Error(),
				"restarts": restarts,
			})
			return err
		}
		restarts++
		s.Collector.IncRestarts()

		backoff := time.Duration(1<<uint(restarts-1)) * s.Backoff
		logger.Warn("effect loop failed, restarting", map[string]any{
			"error":   err.Error(),
			"restart": restarts,
			"backoff": backoff.String(),
		})

		select {
		case <-ctx.Done():
			return &LoopError{Kind: LoopErrorCanceled, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}
}
