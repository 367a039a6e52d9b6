package call

import "time"

// reconnector tracks the single automatic recovery cycle of an active call.
// It is owned by the session loop and needs no locking. At most one attempt
// ever starts; connectivity restored inside the window clears the cycle, the
// window expiring (or a second failure) is unrecoverable.
type reconnector struct {
	window time.Duration

	attempted  bool
	recovering bool
	timer      *time.Timer
	timerC     <-chan time.Time
}

// begin starts the recovery window. It returns false if an attempt was
// already consumed, in which case the call must end.
func (r *reconnector) begin() bool {
	if r.attempted {
		return false
	}
	r.attempted = true
	r.recovering = true
	r.timer = time.NewTimer(r.window)
	r.timerC = r.timer.C
	return true
}

// recovered stops the window after connectivity came back.
func (r *reconnector) recovered() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.recovering = false
	r.timerC = nil
}

// expired acknowledges the window firing.
func (r *reconnector) expired() {
	r.recovering = false
	r.timerC = nil
}
