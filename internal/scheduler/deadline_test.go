package scheduler

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func newBlock(id, deadline, priority, size, remaining uint64) Block {
	return Block{ID: id, Deadline: deadline, Priority: priority, Size: size, Remaining: remaining, DependID: id}
}

func assertNear(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func mustSelect(t *testing.T, s Scheduler, blocks []Block, cond Conditions) uint64 {
	t.Helper()
	id, err := s.SelectBlock(blocks, cond)
	if err != nil {
		t.Fatalf("SelectBlock error: %v", err)
	}
	return id
}

func TestTwoBlockScenario(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	a := newBlock(1, 100, 0, 1000, 1000)
	b := newBlock(2, 50, 1, 500, 500)
	// 1 KB per millisecond
	cond := Conditions{PacingRate: KBps(1000), RTT: 20, Now: 0}

	// A: 100 - 0 - 10 - 1000/1024000*1000 = 89.0234375 ms of slack
	assertNear(t, "remaining(A)", s.RemainingTime(a, cond), 89.0234375)
	assertNear(t, "weight(A)", s.Weight(a, cond), 0.5*0.890234375)
	// B: 50 - 0 - 10 - 0.48828125 = 39.51171875 ms, priority 1/2
	assertNear(t, "remaining(B)", s.RemainingTime(b, cond), 39.51171875)
	assertNear(t, "weight(B)", s.Weight(b, cond), 0.5*0.790234375+0.5*0.5)

	if id := mustSelect(t, s, []Block{a, b}, cond); id != 1 {
		t.Fatalf("expected block 1, got %d", id)
	}
}

func TestTwoBlockScenarioSlowLink(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	a := newBlock(1, 100, 0, 1000, 1000)
	b := newBlock(2, 50, 1, 500, 500)
	// 1 KB/s: neither block can make its deadline
	cond := Conditions{PacingRate: KBps(1), RTT: 20, Now: 0}

	if s.RemainingTime(a, cond) >= 0 || s.RemainingTime(b, cond) >= 0 {
		t.Fatalf("expected both blocks late, got %v and %v", s.RemainingTime(a, cond), s.RemainingTime(b, cond))
	}
	if w := s.Weight(a, cond); math.Abs(w-0.5*(1+defaultBeta)) > 1e-6 {
		t.Fatalf("weight(A) = %v", w)
	}
	if w := s.Weight(b, cond); math.Abs(w-(0.5*(1+defaultBeta)+0.25)) > 1e-6 {
		t.Fatalf("weight(B) = %v", w)
	}

	if id := mustSelect(t, s, []Block{b, a}, cond); id != 1 {
		t.Fatalf("expected block 1, got %d", id)
	}
}

func TestWeightNonDecreasingInPriority(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	cond := Conditions{PacingRate: 1 << 20, RTT: 30, Now: 10}

	prev := -1.0
	for prio := uint64(0); prio <= 2; prio++ {
		w := s.Weight(newBlock(1, 200, prio, 4096, 2048), cond)
		if w < prev {
			t.Fatalf("priority %d: weight %v below %v", prio, w, prev)
		}
		prev = w
	}
}

func TestWeightNonDecreasingInUnsentRatio(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	cond := Conditions{PacingRate: 1 << 20, RTT: 30, Now: 10}

	prev := -1.0
	// same remaining bytes, shrinking total size raises the unsent ratio
	for _, size := range []uint64{8192, 4096, 2048, 1024} {
		w := s.Weight(newBlock(1, 200, 1, size, 1024), cond)
		if w < prev {
			t.Fatalf("size %d: weight %v below %v", size, w, prev)
		}
		prev = w
	}
}

func TestLateBlockUrgencyCarriesPenalty(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Alpha = 0
	s := NewDeadlineWeight(cfg)
	cond := Conditions{PacingRate: 1 << 20, RTT: 20, Now: 500}

	late := newBlock(1, 100, 0, 1000, 1000)
	late.CreateTime = 300
	if w := s.Weight(late, cond); w < cfg.Beta {
		t.Fatalf("late weight %v below beta %v", w, cfg.Beta)
	}
}

func TestLateBlockNeverBeatsOnTimeBlock(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	cond := Conditions{PacingRate: 1 << 20, RTT: 20, Now: 500}

	late := newBlock(1, 100, 0, 1000, 1000)
	late.CreateTime = 300
	onTime := newBlock(2, 1000, 2, 64000, 64000)
	onTime.CreateTime = 450

	if s.Weight(onTime, cond) >= s.Weight(late, cond) {
		t.Fatalf("on-time weight %v not below late weight %v", s.Weight(onTime, cond), s.Weight(late, cond))
	}
	if id := mustSelect(t, s, []Block{late, onTime}, cond); id != 2 {
		t.Fatalf("expected block 2, got %d", id)
	}
}

func TestTieBreakPrefersSmallerRemaining(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Alpha = 1
	s := NewDeadlineWeight(cfg)
	cond := Conditions{PacingRate: 1 << 20, RTT: 10}

	// 1/2 * 100/100 == 2/2 * 50/100
	a := newBlock(1, 100, 1, 100, 100)
	b := newBlock(2, 100, 2, 100, 50)
	if s.Weight(a, cond) != s.Weight(b, cond) {
		t.Fatalf("expected equal weights, got %v and %v", s.Weight(a, cond), s.Weight(b, cond))
	}

	if id := mustSelect(t, s, []Block{a, b}, cond); id != 2 {
		t.Fatalf("expected block 2, got %d", id)
	}
}

func TestTieBreakKeepsInputOrder(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	cond := Conditions{PacingRate: 1 << 20, RTT: 10}

	if id := mustSelect(t, s, []Block{newBlock(7, 100, 1, 10, 10), newBlock(3, 100, 1, 10, 10)}, cond); id != 7 {
		t.Fatalf("expected block 7, got %d", id)
	}
}

func TestShouldDropBlock(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())

	tests := []struct {
		name   string
		block  Block
		now    uint64
		expect bool
	}{
		{"fresh", Block{CreateTime: 100, Deadline: 50, Remaining: 10, Size: 10}, 120, false},
		{"exactly at deadline", Block{CreateTime: 100, Deadline: 50, Remaining: 10, Size: 10}, 150, false},
		{"past deadline", Block{CreateTime: 100, Deadline: 50, Remaining: 10, Size: 10}, 151, true},
		{"past deadline high priority", Block{CreateTime: 100, Deadline: 50, Priority: 0, Remaining: 1, Size: 1 << 20}, 200, true},
		{"past deadline fully sent", Block{CreateTime: 100, Deadline: 50, Priority: 2, Remaining: 0, Size: 10}, 200, true},
		{"clock before creation", Block{CreateTime: 100, Deadline: 0, Remaining: 10, Size: 10}, 50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ShouldDropBlock(tt.block, Conditions{Now: tt.now}); got != tt.expect {
				t.Fatalf("ShouldDropBlock = %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestShouldDropBlockDoesNotChangeState(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	s.ShouldDropBlock(newBlock(1, 10, 0, 10, 10), Conditions{Now: 100})
	if s.Primed() {
		t.Fatalf("drop check primed the scheduler")
	}
}

func TestDependencyBlocksDependent(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	cond := Conditions{PacingRate: 1 << 20, RTT: 20}

	// A would win on priority alone but waits for B
	a := newBlock(1, 100, 0, 1000, 1000)
	a.DependID = 2
	b := newBlock(2, 100, 2, 1000, 1000)

	if id := mustSelect(t, s, []Block{a, b}, cond); id != 2 {
		t.Fatalf("expected dependency 2 first, got %d", id)
	}

	b.Remaining = 0
	if id := mustSelect(t, s, []Block{a, b}, cond); id != 1 {
		t.Fatalf("expected block 1 once 2 is sent, got %d", id)
	}
}

func TestDependencyOnUnknownBlockIsIgnored(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	a := newBlock(1, 100, 0, 1000, 1000)
	a.DependID = 99

	if id := mustSelect(t, s, []Block{a}, Conditions{PacingRate: 1 << 20}); id != 1 {
		t.Fatalf("expected block 1, got %d", id)
	}
}

func TestIgnoreDependencies(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.IgnoreDependencies = true
	s := NewDeadlineWeight(cfg)

	a := newBlock(1, 100, 0, 1000, 1000)
	a.DependID = 2
	b := newBlock(2, 100, 2, 1000, 1000)

	if id := mustSelect(t, s, []Block{a, b}, Conditions{PacingRate: 1 << 20, RTT: 20}); id != 1 {
		t.Fatalf("expected block 1, got %d", id)
	}
}

func TestFallbackToPreviousSelection(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	cond := Conditions{PacingRate: 1 << 20, RTT: 20}

	blocks := []Block{newBlock(4, 100, 1, 100, 100), newBlock(5, 100, 0, 100, 100)}
	first := mustSelect(t, s, blocks, cond)
	if first != 5 {
		t.Fatalf("expected block 5, got %d", first)
	}

	for i := range blocks {
		blocks[i].Remaining = 0
	}
	if id := mustSelect(t, s, blocks, cond); id != first {
		t.Fatalf("expected fallback to %d, got %d", first, id)
	}
}

func TestFreshSchedulerWithoutCandidatesFails(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())

	if _, err := s.SelectBlock(nil, Conditions{}); !errors.Is(err, ErrNoEligibleBlock) {
		t.Fatalf("expected ErrNoEligibleBlock, got %v", err)
	}
	if _, err := s.SelectBlock([]Block{newBlock(1, 100, 0, 10, 0)}, Conditions{}); !errors.Is(err, ErrNoEligibleBlock) {
		t.Fatalf("expected ErrNoEligibleBlock, got %v", err)
	}
	if s.Primed() {
		t.Fatalf("failed selections primed the scheduler")
	}
}

func TestDependencyCycleFallsBack(t *testing.T) {
	for _, variant := range []Variant{VariantSinglePass, VariantTwoPhase} {
		t.Run(string(variant), func(t *testing.T) {
			cfg := DefaultPolicyConfig()
			cfg.Variant = variant
			s := NewDeadlineWeight(cfg)
			// late under two-phase too, so neither pass finds a block
			cond := Conditions{PacingRate: 1 << 20, RTT: 400, Now: 50}

			a := newBlock(1, 100, 0, 10, 10)
			a.DependID = 2
			b := newBlock(2, 100, 0, 10, 10)
			b.DependID = 1

			if _, err := s.SelectBlock([]Block{a, b}, cond); !errors.Is(err, ErrNoEligibleBlock) {
				t.Fatalf("expected ErrNoEligibleBlock, got %v", err)
			}

			c := newBlock(3, 100, 0, 10, 10)
			if id := mustSelect(t, s, []Block{c}, cond); id != 3 {
				t.Fatalf("expected block 3, got %d", id)
			}

			if id := mustSelect(t, s, []Block{a, b}, cond); id != 3 {
				t.Fatalf("expected fallback to 3, got %d", id)
			}
		})
	}
}

func TestTwoPhaseSkipsLateBlocks(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Variant = VariantTwoPhase
	s := NewDeadlineWeight(cfg)
	cond := Conditions{PacingRate: 1 << 20, RTT: 20, Now: 90}

	// late but almost finished: single-pass would favor it
	late := newBlock(1, 100, 0, 1000000, 1)
	onTime := newBlock(2, 1000, 2, 1000, 1000)
	onTime.CreateTime = 80

	if id := mustSelect(t, s, []Block{late, onTime}, cond); id != 2 {
		t.Fatalf("two-phase: expected block 2, got %d", id)
	}

	single := NewDeadlineWeight(DefaultPolicyConfig())
	if id := mustSelect(t, single, []Block{late, onTime}, cond); id != 1 {
		t.Fatalf("single-pass: expected block 1, got %d", id)
	}
}

func TestTwoPhaseRanksLateBlocksByElapsedFraction(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Variant = VariantTwoPhase
	s := NewDeadlineWeight(cfg)
	// a 100 ms one-way delay makes every block late
	cond := Conditions{PacingRate: 1 << 20, RTT: 200, Now: 90}

	// A: 0.5*90/100 = 0.45; B: 0.5*40/50 + 0.5*1/2 = 0.65
	a := newBlock(1, 100, 0, 100, 100)
	b := newBlock(2, 50, 1, 100, 100)
	b.CreateTime = 50

	if id := mustSelect(t, s, []Block{b, a}, cond); id != 1 {
		t.Fatalf("expected block 1, got %d", id)
	}
}

func TestTwoPhaseRespectsDependenciesInSecondPass(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Variant = VariantTwoPhase
	s := NewDeadlineWeight(cfg)
	cond := Conditions{PacingRate: 1 << 20, RTT: 200, Now: 90}

	a := newBlock(1, 100, 0, 100, 100)
	a.DependID = 2
	b := newBlock(2, 100, 2, 100, 100)

	if id := mustSelect(t, s, []Block{a, b}, cond); id != 2 {
		t.Fatalf("expected block 2, got %d", id)
	}
}

func TestSelectionAlwaysReturnsSendableBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, variant := range []Variant{VariantSinglePass, VariantTwoPhase} {
		cfg := DefaultPolicyConfig()
		cfg.Variant = variant
		s := NewDeadlineWeight(cfg)

		for round := 0; round < 200; round++ {
			n := 1 + rng.Intn(8)
			blocks := make([]Block, n)
			for i := range blocks {
				size := uint64(1 + rng.Intn(100000))
				blocks[i] = Block{
					ID:         uint64(i + 1),
					CreateTime: uint64(rng.Intn(500)),
					Deadline:   uint64(1 + rng.Intn(400)),
					Priority:   uint64(rng.Intn(3)),
					Size:       size,
					Remaining:  1 + uint64(rng.Int63n(int64(size))),
					DependID:   uint64(i + 1),
				}
				if i > 0 && rng.Intn(3) == 0 {
					blocks[i].DependID = uint64(rng.Intn(i) + 1)
				}
			}
			cond := Conditions{
				PacingRate: float64(1024 + rng.Intn(1<<22)),
				RTT:        float64(rng.Intn(300)),
				Now:        500 + uint64(rng.Intn(200)),
			}

			id, err := s.SelectBlock(blocks, cond)
			if err != nil {
				t.Fatalf("variant %s round %d: %v", variant, round, err)
			}

			pending := eligibleIDs(blocks)
			var chosen *Block
			for i := range blocks {
				if blocks[i].ID == id {
					chosen = &blocks[i]
				}
			}
			if chosen == nil {
				t.Fatalf("variant %s round %d: id %d not offered", variant, round, id)
			}
			if !chosen.Eligible() || dependencyPending(*chosen, pending) {
				t.Fatalf("variant %s round %d: block %d not sendable", variant, round, id)
			}
		}
	}
}

func TestSnapshotTracksLastSelection(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	snap := s.Snapshot().(map[string]any)
	if snap["state"] != "fresh" || snap["prio"] != uint64(lowestPriority) {
		t.Fatalf("unexpected fresh snapshot: %v", snap)
	}
	if _, ok := snap["last_block_id"]; ok {
		t.Fatalf("fresh snapshot has last_block_id: %v", snap)
	}

	mustSelect(t, s, []Block{newBlock(9, 120, 1, 300, 200)}, Conditions{PacingRate: 1 << 20})

	snap = s.Snapshot().(map[string]any)
	if snap["state"] != "primed" || snap["last_block_id"] != uint64(9) {
		t.Fatalf("unexpected primed snapshot: %v", snap)
	}
	if snap["ddl"] != uint64(120) || snap["size"] != uint64(200) || snap["prio"] != uint64(1) {
		t.Fatalf("snapshot does not describe block 9: %v", snap)
	}
}

func TestNewDeadlineWeightDefaults(t *testing.T) {
	cfg := NewDeadlineWeight(PolicyConfig{Alpha: 3}).Config()
	if cfg.Alpha != 1 {
		t.Fatalf("alpha = %v, want 1", cfg.Alpha)
	}
	if cfg.Beta != defaultBeta || cfg.MaxPriority != defaultMaxPriority || cfg.Variant != VariantSinglePass {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestZeroDeadlineWeightIsFinite(t *testing.T) {
	s := NewDeadlineWeight(DefaultPolicyConfig())
	cond := Conditions{PacingRate: 1 << 20, RTT: 20, Now: 5}

	w := s.Weight(newBlock(1, 0, 1, 100, 100), cond)
	if math.IsNaN(w) || math.IsInf(w, 0) {
		t.Fatalf("weight = %v", w)
	}
	if w < s.Config().Beta*0.5 {
		t.Fatalf("zero-deadline block weight %v missing the late penalty", w)
	}
}
