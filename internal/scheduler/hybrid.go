package scheduler

import (
	"math"

	"github.com/samber/lo"
)

const (
	classSmall  = "small"
	classMedium = "medium"
	classLarge  = "large"
)

const (
	defaultSmallThreshold  = 64 * 1024
	defaultMediumThreshold = 1024 * 1024
	defaultAgingAfter      = 500 // ms
)

// Hybrid ignores deadlines and serves blocks by size class. Small blocks go
// first, smallest remaining first. Medium and large blocks share the link by
// accumulated credit, weighted toward the ones closer to done. A block left
// unserved for AgingAfter is promoted one class.
type Hybrid struct {
	memory
	cfg PolicyConfig

	credits map[uint64]float64
	served  map[uint64]uint64 // last selection time, ms
	counts  map[string]int
}

var _ Scheduler = (*Hybrid)(nil)

// NewHybrid returns a size-class scheduler. Zero thresholds and AgingAfter
// take their defaults.
func NewHybrid(cfg PolicyConfig) *Hybrid {
	if cfg.SmallThreshold == 0 {
		cfg.SmallThreshold = defaultSmallThreshold
	}
	if cfg.MediumThreshold < cfg.SmallThreshold {
		cfg.MediumThreshold = max(defaultMediumThreshold, cfg.SmallThreshold)
	}
	if cfg.AgingAfter == 0 {
		cfg.AgingAfter = defaultAgingAfter
	}
	return &Hybrid{
		cfg:     cfg,
		credits: make(map[uint64]float64),
		served:  make(map[uint64]uint64),
		counts:  make(map[string]int),
	}
}

func (s *Hybrid) Name() string { return PolicyHybrid }

// Config returns the effective configuration.
func (s *Hybrid) Config() PolicyConfig { return s.cfg }

func (s *Hybrid) SelectBlock(blocks []Block, cond Conditions) (uint64, error) {
	s.forget(blocks)

	var pending map[uint64]struct{}
	if !s.cfg.IgnoreDependencies {
		pending = eligibleIDs(blocks)
	}
	ready := lo.Filter(blocks, func(b Block, _ int) bool {
		return b.Eligible() && !dependencyPending(b, pending)
	})
	s.counts = lo.CountValuesBy(ready, func(b Block) string { return s.effectiveClass(b, cond.Now) })
	if len(ready) == 0 {
		return s.fallback()
	}

	small := lo.Filter(ready, func(b Block, _ int) bool { return s.effectiveClass(b, cond.Now) == classSmall })
	var best Block
	if len(small) > 0 {
		best = lo.MinBy(small, func(a, b Block) bool { return a.Remaining < b.Remaining })
	} else {
		for _, b := range ready {
			s.credits[b.ID] += creditFor(b.Remaining)
		}
		best = lo.MaxBy(ready, func(a, b Block) bool { return s.credits[a.ID] > s.credits[b.ID] })
		s.credits[best.ID]--
	}

	s.served[best.ID] = cond.Now
	s.remember(best.ID)
	return best.ID, nil
}

// ShouldDropBlock never drops.
func (s *Hybrid) ShouldDropBlock(Block, Conditions) bool { return false }

func (s *Hybrid) Snapshot() any {
	snap := baselineSnapshot(PolicyHybrid, &s.memory)
	snap["queued_small"] = s.counts[classSmall]
	snap["queued_medium"] = s.counts[classMedium]
	snap["queued_large"] = s.counts[classLarge]
	return snap
}

func (s *Hybrid) classForSize(size uint64) string {
	switch {
	case size <= s.cfg.SmallThreshold:
		return classSmall
	case size <= s.cfg.MediumThreshold:
		return classMedium
	default:
		return classLarge
	}
}

// effectiveClass is the size class, promoted once when the block has waited
// longer than AgingAfter since it was last served or created.
func (s *Hybrid) effectiveClass(b Block, now uint64) string {
	class := s.classForSize(b.Size)
	since := b.CreateTime
	if at, ok := s.served[b.ID]; ok {
		since = at
	}
	if now > since && now-since > s.cfg.AgingAfter {
		switch class {
		case classLarge:
			return classMedium
		case classMedium:
			return classSmall
		}
	}
	return class
}

// forget drops state for blocks no longer offered.
func (s *Hybrid) forget(blocks []Block) {
	live := lo.SliceToMap(blocks, func(b Block) (uint64, struct{}) { return b.ID, struct{}{} })
	for id := range s.served {
		if _, ok := live[id]; !ok {
			delete(s.served, id)
			delete(s.credits, id)
		}
	}
	for id := range s.credits {
		if _, ok := live[id]; !ok {
			delete(s.credits, id)
		}
	}
}

func creditFor(remaining uint64) float64 {
	if remaining < 1 {
		return 1
	}
	return 1 / math.Sqrt(float64(remaining))
}
