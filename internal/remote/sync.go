package remote

import (
	"context"
	"time"

	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/logging"
	"github.com/trctl/trmv/pkg/metrics"
)

// DefaultAttempts is how many times each command is tried.
const DefaultAttempts = 3

// Synchronizer brings the daemon's view of a payload in line with where
// the data now is. Each command is attempted a bounded number of times,
// each attempt bounded by AttemptTimeout, with no backoff in between.
type Synchronizer struct {
	Agent          Agent
	Attempts       int
	AttemptTimeout time.Duration
	Metrics        *metrics.Registry
	Logger         *logging.Logger
}

// NewSynchronizer creates a Synchronizer with the default attempt count.
func NewSynchronizer(agent Agent, attemptTimeout time.Duration) *Synchronizer {
	return &Synchronizer{
		Agent:          agent,
		Attempts:       DefaultAttempts,
		AttemptTimeout: attemptTimeout,
		Metrics:        metrics.Default(),
		Logger:         logging.Global(),
	}
}

// UpdateLocation tells the daemon the payload of hash now lives in location.
func (s *Synchronizer) UpdateLocation(ctx context.Context, hash, location string) error {
	return s.attempt(ctx, "torrent-set-location", hash, func(ctx context.Context) error {
		return s.Agent.SetLocation(ctx, hash, location)
	})
}

// StartVerification asks the daemon to re-check the payload. Only the
// request is awaited, not the check itself.
func (s *Synchronizer) StartVerification(ctx context.Context, hash string) error {
	return s.attempt(ctx, "torrent-verify", hash, func(ctx context.Context) error {
		return s.Agent.StartVerify(ctx, hash)
	})
}

func (s *Synchronizer) attempt(ctx context.Context, command, hash string, fn func(context.Context) error) error {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	n := 0
	for n < attempts {
		n++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if s.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, s.AttemptTimeout)
		}
		start := time.Now()
		lastErr = fn(actx)
		cancel()

		if s.Metrics != nil {
			s.Metrics.RecordRemoteAttempt(command, lastErr == nil)
		}
		fields := map[string]any{
			"command":  command,
			"hash":     hash,
			"attempt":  n,
			"duration": time.Since(start).String(),
		}
		if lastErr == nil {
			s.Logger.Debug("remote command done", fields)
			return nil
		}
		fields["error"] = lastErr.Error()
		s.Logger.Warn("remote command failed", fields)

		if ctx.Err() != nil {
			break
		}
	}
	return errclass.ErrRemoteSyncTimeout.WithMessagef("%s for %s failed after %d attempts: %v", command, hash, n, lastErr)
}
