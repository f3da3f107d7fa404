package scheduler

import (
	"math"

	"github.com/samber/lo"
)

// Variant selects how the deadline policy ranks blocks.
type Variant string

const (
	// VariantSinglePass weighs every eligible block once and pushes overdue
	// blocks above all on-time ones with the Beta penalty.
	VariantSinglePass Variant = "single-pass"
	// VariantTwoPhase only considers blocks that can still meet their
	// deadline, then falls back to ranking by elapsed deadline fraction.
	VariantTwoPhase Variant = "two-phase"
)

const (
	defaultAlpha       = 0.5
	defaultBeta        = 100000.0
	defaultMaxPriority = 2
	lowestPriority     = math.MaxUint64
)

// PolicyConfig tunes the scheduling policies. Start from DefaultPolicyConfig;
// Alpha is taken as given.
type PolicyConfig struct {
	Alpha              float64 // blend between urgency (0) and priority (1)
	Beta               float64 // penalty added to overdue blocks
	MaxPriority        uint64
	Variant            Variant
	IgnoreDependencies bool

	// hybrid size classes, bytes
	SmallThreshold  uint64
	MediumThreshold uint64
	AgingAfter      uint64 // ms unserved before a hybrid block is promoted
}

// DefaultPolicyConfig returns alpha 0.5, beta 100000, max priority 2,
// single-pass with the dependency filter enabled.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Alpha:       defaultAlpha,
		Beta:        defaultBeta,
		MaxPriority: defaultMaxPriority,
		Variant:     VariantSinglePass,
	}
}

// DeadlineWeight trades deadline urgency against priority and the unsent
// share of each block. Lower weight wins.
type DeadlineWeight struct {
	cfg PolicyConfig
	memory

	ddl  uint64
	size uint64
	prio uint64
}

var _ Scheduler = (*DeadlineWeight)(nil)

// NewDeadlineWeight returns a fresh scheduler. Zero Beta and MaxPriority take
// their defaults, Alpha is clamped to [0, 1].
func NewDeadlineWeight(cfg PolicyConfig) *DeadlineWeight {
	if cfg.Beta <= 0 {
		cfg.Beta = defaultBeta
	}
	if cfg.MaxPriority == 0 {
		cfg.MaxPriority = defaultMaxPriority
	}
	cfg.Alpha = math.Min(math.Max(cfg.Alpha, 0), 1)
	if cfg.Variant == "" {
		cfg.Variant = VariantSinglePass
	}
	return &DeadlineWeight{cfg: cfg, prio: lowestPriority}
}

func (s *DeadlineWeight) Name() string { return PolicyDeadline }

// Config returns the effective configuration.
func (s *DeadlineWeight) Config() PolicyConfig { return s.cfg }

// Primed reports whether at least one selection has succeeded.
func (s *DeadlineWeight) Primed() bool { return s.primed() }

// SelectBlock returns the id of the lowest-weight eligible block. When no
// block qualifies it returns the previous selection, which may no longer be
// pending, or ErrNoEligibleBlock if there is none.
func (s *DeadlineWeight) SelectBlock(blocks []Block, cond Conditions) (uint64, error) {
	pending := s.pendingIDs(blocks)

	var best candidate
	switch s.cfg.Variant {
	case VariantTwoPhase:
		best = s.scan(blocks, pending, func(b Block) (float64, bool) {
			remaining := s.RemainingTime(b, cond)
			if remaining <= 0 {
				return 0, false
			}
			return s.blend(remaining/deadlineMs(b), b), true
		})
		if !best.found {
			best = s.scan(blocks, pending, func(b Block) (float64, bool) {
				return s.blend(float64(b.Age(cond.Now))/deadlineMs(b), b), true
			})
		}
	default:
		best = s.scan(blocks, pending, func(b Block) (float64, bool) {
			return s.Weight(b, cond), true
		})
	}

	if !best.found {
		return s.fallback()
	}

	s.ddl = best.block.Deadline
	s.size = best.block.Remaining
	s.prio = best.block.Priority
	s.remember(best.block.ID)
	return best.block.ID, nil
}

// ShouldDropBlock reports whether the block has outlived its deadline.
func (s *DeadlineWeight) ShouldDropBlock(block Block, cond Conditions) bool {
	return block.Age(cond.Now) > block.Deadline
}

// RemainingTime estimates how many milliseconds of slack the block has if it
// is sent now. Non-positive means it is late or about to be.
func (s *DeadlineWeight) RemainingTime(b Block, cond Conditions) float64 {
	oneWayDelay := cond.RTT / 2
	sendTime := float64(b.Remaining) / cond.PacingRate * 1000
	return float64(b.Deadline) - float64(b.Age(cond.Now)) - oneWayDelay - sendTime
}

// Weight is the single-pass weight of b.
func (s *DeadlineWeight) Weight(b Block, cond Conditions) float64 {
	remaining := s.RemainingTime(b, cond)
	deadline := deadlineMs(b)

	var urgency float64
	if remaining > 0 {
		urgency = remaining / deadline
	} else {
		// overrun is capped at one deadline
		urgency = math.Min(1, -remaining/deadline) + s.cfg.Beta
	}
	return s.blend(urgency, b)
}

func (s *DeadlineWeight) blend(urgency float64, b Block) float64 {
	priority := float64(b.Priority) / float64(s.cfg.MaxPriority)
	unsent := float64(b.Remaining) / float64(b.Size)
	return ((1-s.cfg.Alpha)*urgency + s.cfg.Alpha*priority) * unsent
}

type candidate struct {
	block  Block
	weight float64
	found  bool
}

// scan returns the minimum-weight block accepted by weigh. Ties go to the
// smaller remaining size, then to input order.
func (s *DeadlineWeight) scan(blocks []Block, pending map[uint64]struct{}, weigh func(Block) (float64, bool)) candidate {
	var best candidate
	for _, b := range blocks {
		if !b.Eligible() || s.blocked(b, pending) {
			continue
		}
		w, ok := weigh(b)
		if !ok {
			continue
		}
		if !best.found || w < best.weight || (w == best.weight && b.Remaining < best.block.Remaining) {
			best = candidate{block: b, weight: w, found: true}
		}
	}
	return best
}

func (s *DeadlineWeight) pendingIDs(blocks []Block) map[uint64]struct{} {
	if s.cfg.IgnoreDependencies {
		return nil
	}
	return eligibleIDs(blocks)
}

func (s *DeadlineWeight) blocked(b Block, pending map[uint64]struct{}) bool {
	if s.cfg.IgnoreDependencies {
		return false
	}
	return dependencyPending(b, pending)
}

// Snapshot reports the last decision.
func (s *DeadlineWeight) Snapshot() any {
	snap := map[string]any{
		"policy":   PolicyDeadline,
		"variant":  string(s.cfg.Variant),
		"state":    s.state(),
		"ddl":      s.ddl,
		"size":     s.size,
		"prio":     s.prio,
		"alpha":    s.cfg.Alpha,
		"beta":     s.cfg.Beta,
		"max_prio": s.cfg.MaxPriority,
	}
	if s.lastID != nil {
		snap["last_block_id"] = *s.lastID
	}
	return snap
}

// deadlineMs is the deadline used as a divisor; zero counts as 1 ms.
func deadlineMs(b Block) float64 {
	return math.Max(float64(b.Deadline), 1)
}

func eligibleIDs(blocks []Block) map[uint64]struct{} {
	eligible := lo.Filter(blocks, func(b Block, _ int) bool { return b.Eligible() })
	return lo.SliceToMap(eligible, func(b Block) (uint64, struct{}) { return b.ID, struct{}{} })
}

func dependencyPending(b Block, pending map[uint64]struct{}) bool {
	if !b.HasDependency() {
		return false
	}
	_, ok := pending[b.DependID]
	return ok
}
