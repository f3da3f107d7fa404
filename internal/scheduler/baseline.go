package scheduler

// The baseline policies ignore deadlines: they never ask for a drop and
// share the deadline policy's fallback and dependency rules.

// FIFO sends blocks in creation order.
type FIFO struct {
	memory
	ignoreDeps bool
}

// NewFIFO returns a creation-order scheduler.
func NewFIFO(ignoreDeps bool) *FIFO {
	return &FIFO{ignoreDeps: ignoreDeps}
}

func (s *FIFO) Name() string { return PolicyFIFO }

func (s *FIFO) SelectBlock(blocks []Block, _ Conditions) (uint64, error) {
	best, ok := pickFirst(blocks, s.ignoreDeps, func(a, b Block) bool {
		return a.CreateTime < b.CreateTime
	})
	if !ok {
		return s.fallback()
	}
	s.remember(best.ID)
	return best.ID, nil
}

func (s *FIFO) ShouldDropBlock(Block, Conditions) bool { return false }

func (s *FIFO) Snapshot() any {
	return baselineSnapshot(PolicyFIFO, &s.memory)
}

// StrictPriority always sends the most important pending block, oldest first
// within a priority class.
type StrictPriority struct {
	memory
	ignoreDeps bool
}

// NewStrictPriority returns a strict-priority scheduler.
func NewStrictPriority(ignoreDeps bool) *StrictPriority {
	return &StrictPriority{ignoreDeps: ignoreDeps}
}

func (s *StrictPriority) Name() string { return PolicyPriority }

func (s *StrictPriority) SelectBlock(blocks []Block, _ Conditions) (uint64, error) {
	best, ok := pickFirst(blocks, s.ignoreDeps, func(a, b Block) bool {
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreateTime < b.CreateTime
	})
	if !ok {
		return s.fallback()
	}
	s.remember(best.ID)
	return best.ID, nil
}

func (s *StrictPriority) ShouldDropBlock(Block, Conditions) bool { return false }

func (s *StrictPriority) Snapshot() any {
	return baselineSnapshot(PolicyPriority, &s.memory)
}

// RoundRobin rotates through pending blocks one transmission at a time.
type RoundRobin struct {
	memory
	ignoreDeps bool
}

// NewRoundRobin returns a round-robin scheduler.
func NewRoundRobin(ignoreDeps bool) *RoundRobin {
	return &RoundRobin{ignoreDeps: ignoreDeps}
}

func (s *RoundRobin) Name() string { return PolicyRoundRobin }

// SelectBlock picks the first sendable block after the previous selection in
// input order, wrapping around. If the previous block is gone it starts over.
func (s *RoundRobin) SelectBlock(blocks []Block, _ Conditions) (uint64, error) {
	pending := eligibleIDs(blocks)
	start := 0
	if s.lastID != nil {
		for i, b := range blocks {
			if b.ID == *s.lastID {
				start = i + 1
				break
			}
		}
	}
	for n := 0; n < len(blocks); n++ {
		b := blocks[(start+n)%len(blocks)]
		if !b.Eligible() || (!s.ignoreDeps && dependencyPending(b, pending)) {
			continue
		}
		s.remember(b.ID)
		return b.ID, nil
	}
	return s.fallback()
}

func (s *RoundRobin) ShouldDropBlock(Block, Conditions) bool { return false }

func (s *RoundRobin) Snapshot() any {
	return baselineSnapshot(PolicyRoundRobin, &s.memory)
}

// pickFirst returns the sendable block that no other block precedes under
// less, keeping input order among equals.
func pickFirst(blocks []Block, ignoreDeps bool, less func(a, b Block) bool) (Block, bool) {
	var pending map[uint64]struct{}
	if !ignoreDeps {
		pending = eligibleIDs(blocks)
	}
	var best Block
	found := false
	for _, b := range blocks {
		if !b.Eligible() || dependencyPending(b, pending) {
			continue
		}
		if !found || less(b, best) {
			best = b
			found = true
		}
	}
	return best, found
}

func baselineSnapshot(policy string, m *memory) map[string]any {
	snap := map[string]any{
		"policy": policy,
		"state":  m.state(),
	}
	if m.lastID != nil {
		snap["last_block_id"] = *m.lastID
	}
	return snap
}
