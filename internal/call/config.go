package call

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/record"
)

const (
	// DefaultRingingTimeout bounds how long an unanswered call rings before
	// the initiator gives up with reason no-answer.
	DefaultRingingTimeout = 60 * time.Second

	// DefaultRecoveryWindow bounds the single automatic reconnection attempt.
	DefaultRecoveryWindow = 5 * time.Second
)

// Timeouts carries the two lifecycle timers. Zero values take the defaults.
type Timeouts struct {
	Ringing        time.Duration
	RecoveryWindow time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Ringing <= 0 {
		t.Ringing = DefaultRingingTimeout
	}
	if t.RecoveryWindow <= 0 {
		t.RecoveryWindow = DefaultRecoveryWindow
	}
	return t
}

// Deps bundles what every session needs. One Deps value is typically shared
// by all sessions of a process.
type Deps struct {
	Store     record.Store
	Negotiate NegotiatorFactory

	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Timeouts Timeouts
}

func (d Deps) validate() error {
	if d.Store == nil {
		return errors.New("call: Deps.Store is required")
	}
	if d.Negotiate == nil {
		return errors.New("call: Deps.Negotiate is required")
	}
	return nil
}
