package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultInitialRTT = 100 * time.Millisecond
	DefaultBurst      = 64 * 1024
	// reported until the first measurement when no rate is configured
	fallbackRate = 1 << 20

	rateAlpha      = 0.2
	minRateSampled = 10 * time.Millisecond
)

// Config configures an Estimator.
type Config struct {
	Rate       float64 // bytes per second, 0 leaves sends unpaced
	Burst      int     // bytes
	InitialRTT time.Duration
	Now        func() time.Time
}

// Estimator paces writes and supplies the pacing rate and smoothed RTT the
// scheduler weighs blocks with. It is safe for concurrent use.
type Estimator struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	configured float64
	measured   float64
	lastAt     time.Time
	unsampled  int64
	srtt       time.Duration
	rttvar     time.Duration
	hasRTT     bool
	now        func() time.Time
}

// NewEstimator returns an estimator for cfg.
func NewEstimator(cfg Config) *Estimator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.InitialRTT <= 0 {
		cfg.InitialRTT = DefaultInitialRTT
	}
	e := &Estimator{
		configured: cfg.Rate,
		srtt:       cfg.InitialRTT,
		now:        cfg.Now,
	}
	if cfg.Rate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	return e
}

// Wait blocks until n bytes may be sent under the configured rate.
func (e *Estimator) Wait(ctx context.Context, n int) error {
	if e.limiter == nil {
		return ctx.Err()
	}
	burst := e.limiter.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := e.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// OnSent records n bytes handed to the transport and updates the measured
// send rate.
func (e *Estimator) OnSent(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.lastAt.IsZero() {
		e.lastAt = now
	}
	e.unsampled += int64(n)
	elapsed := now.Sub(e.lastAt)
	if elapsed < minRateSampled {
		return
	}
	inst := float64(e.unsampled) / elapsed.Seconds()
	if e.measured == 0 {
		e.measured = inst
	} else {
		e.measured = rateAlpha*inst + (1-rateAlpha)*e.measured
	}
	e.lastAt = now
	e.unsampled = 0
}

// OnRTTSample folds one round-trip measurement into the smoothed RTT.
func (e *Estimator) OnRTTSample(sample time.Duration) {
	if sample <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasRTT {
		e.srtt = sample
		e.rttvar = sample / 2
		e.hasRTT = true
		return
	}
	diff := e.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = (3*e.rttvar + diff) / 4
	e.srtt = (7*e.srtt + sample) / 8
}

// PacingRate returns the configured rate, or the measured one when sends are
// unpaced, in bytes per second.
func (e *Estimator) PacingRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.configured > 0:
		return e.configured
	case e.measured > 0:
		return e.measured
	default:
		return fallbackRate
	}
}

// MeasuredRate returns the smoothed send rate in bytes per second.
func (e *Estimator) MeasuredRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.measured
}

// RTT returns the smoothed round-trip time in milliseconds.
func (e *Estimator) RTT() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.srtt) / float64(time.Millisecond)
}

// RTTVar returns the round-trip variation.
func (e *Estimator) RTTVar() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rttvar
}
