package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/record"
)

// terminator converges one session to ENDED exactly once, no matter how many
// paths race into it: local hangup, remote end observed on the record, ring
// timeout, recovery window expiry, context cancellation. The losing writer of
// a cross-party termination race gets ErrWriteRejected from the store; that
// is absorbed, counted, and the local reason discarded in favor of whatever
// the record already says.
type terminator struct {
	store record.Store
	id    record.CallID
	self  record.PartyID
	log   zerolog.Logger
	met   *metrics.Metrics

	// releases run exactly once, in order, after the record write settles.
	releases []func()

	// notify publishes the terminal state to the session's observers. It runs
	// last, after every resource is released.
	notify func(reason record.EndReason)

	once sync.Once
}

// run performs the termination. markRecord is false when the ENDED state was
// observed on the record itself, so there is nothing left to write.
func (t *terminator) run(ctx context.Context, reason record.EndReason, markRecord bool) {
	t.once.Do(func() {
		if markRecord {
			// Detached context: termination must settle even when the caller's
			// context is already cancelled.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			err := t.store.MarkEnded(wctx, t.id, t.self, reason)
			switch {
			case errors.Is(err, record.ErrWriteRejected):
				t.met.Inc(metrics.TerminationRaces)
				t.log.Debug().Str("reason", string(reason)).Msg("lost termination race, record already ended")
			case err != nil:
				t.log.Warn().Err(err).Msg("marking call ended failed")
			}
		}
		for _, release := range t.releases {
			release()
		}
		t.met.Inc(metrics.CallsEnded)
		t.log.Info().Str("reason", string(reason)).Msg("call ended")
		if t.notify != nil {
			t.notify(reason)
		}
	})
}
