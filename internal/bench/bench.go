package bench

import "time"

const (
	mib       = 1024 * 1024
	ewmaAlpha = 0.2
)

// Goodput tracks delivered bytes over time, separating bytes that arrived
// inside their deadline from the rest.
type Goodput struct {
	start     time.Time
	last      time.Time
	lastBytes int64
	ewma      float64
	peak      float64
	firstMs   int64
	gotFirst  bool
}

// Snapshot is the goodput view at one tick.
type Snapshot struct {
	Bytes       int64
	OnTimeBytes int64
	Elapsed     time.Duration
	InstMBps    float64
	EwmaMBps    float64
	AvgMBps     float64
	PeakMBps    float64
	OnTimeRatio float64
	FirstMs     int64 // time to first delivered byte
	GotFirst    bool
}

func NewGoodput() *Goodput {
	return &Goodput{}
}

// Tick records cumulative delivered and on-time byte counts at now.
func (g *Goodput) Tick(now time.Time, bytes, onTime int64) Snapshot {
	if g.start.IsZero() {
		g.start = now
		g.last = now
		g.lastBytes = bytes
		return Snapshot{Bytes: bytes, OnTimeBytes: onTime, OnTimeRatio: ratio(onTime, bytes)}
	}

	elapsed := now.Sub(g.start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	dt := now.Sub(g.last)
	if dt <= 0 {
		dt = time.Second
	}
	delta := max(bytes-g.lastBytes, 0)

	inst := float64(delta) / dt.Seconds() / mib
	if g.ewma == 0 {
		g.ewma = inst
	} else {
		g.ewma = ewmaAlpha*inst + (1-ewmaAlpha)*g.ewma
	}
	g.peak = max(g.peak, inst)
	if !g.gotFirst && bytes > 0 {
		g.gotFirst = true
		g.firstMs = elapsed.Milliseconds()
	}
	g.last = now
	g.lastBytes = bytes

	return Snapshot{
		Bytes:       bytes,
		OnTimeBytes: onTime,
		Elapsed:     elapsed,
		InstMBps:    inst,
		EwmaMBps:    g.ewma,
		AvgMBps:     float64(bytes) / elapsed.Seconds() / mib,
		PeakMBps:    g.peak,
		OnTimeRatio: ratio(onTime, bytes),
		FirstMs:     g.firstMs,
		GotFirst:    g.gotFirst,
	}
}

func ratio(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
