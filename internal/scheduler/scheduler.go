package scheduler

import (
	"errors"
	"fmt"
)

// ErrNoEligibleBlock is returned when a round has no eligible block and no
// previous selection exists to fall back on.
var ErrNoEligibleBlock = errors.New("no eligible block and no previous selection")

// ErrUnknownPolicy is returned by New for an unregistered policy name.
var ErrUnknownPolicy = errors.New("unknown scheduling policy")

// Block is a read-only view of a pending block.
// Times are monotonic milliseconds; sizes are bytes.
type Block struct {
	ID         uint64
	CreateTime uint64
	Deadline   uint64 // relative to CreateTime
	Priority   uint64 // 0 is the most important
	Size       uint64
	Remaining  uint64
	DependID   uint64 // equals ID when the block has no dependency
}

// Eligible reports whether the block still has bytes to send.
func (b Block) Eligible() bool {
	return b.Remaining > 0
}

// HasDependency reports whether the block depends on another block.
func (b Block) HasDependency() bool {
	return b.DependID != b.ID
}

// Age returns the time since creation, or zero if now precedes it.
func (b Block) Age(now uint64) uint64 {
	if now < b.CreateTime {
		return 0
	}
	return now - b.CreateTime
}

// Conditions carries the transport state at one transmission opportunity.
type Conditions struct {
	PacingRate   float64 // bytes per second
	RTT          float64 // milliseconds
	NextPacketID uint64
	Now          uint64 // monotonic milliseconds
}

// KBps converts a rate in KB/s to the bytes-per-second unit of Conditions.
func KBps(kb float64) float64 {
	return kb * 1024
}

// Scheduler picks the next block to send and decides which blocks to drop.
// Implementations are not safe for concurrent use; each connection owns one.
type Scheduler interface {
	Name() string
	SelectBlock(blocks []Block, cond Conditions) (uint64, error)
	ShouldDropBlock(block Block, cond Conditions) bool
	Snapshot() any
}

const (
	PolicyDeadline   = "dtp"
	PolicyFIFO       = "fifo"
	PolicyPriority   = "priority"
	PolicyRoundRobin = "rr"
	PolicyHybrid     = "hybrid"
)

// Policies lists the registered policy names.
func Policies() []string {
	return []string{PolicyDeadline, PolicyFIFO, PolicyPriority, PolicyRoundRobin, PolicyHybrid}
}

// New constructs the named policy.
func New(name string, cfg PolicyConfig) (Scheduler, error) {
	switch name {
	case PolicyDeadline, "":
		return NewDeadlineWeight(cfg), nil
	case PolicyFIFO:
		return NewFIFO(cfg.IgnoreDependencies), nil
	case PolicyPriority:
		return NewStrictPriority(cfg.IgnoreDependencies), nil
	case PolicyRoundRobin:
		return NewRoundRobin(cfg.IgnoreDependencies), nil
	case PolicyHybrid:
		return NewHybrid(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// memory remembers the most recent selection for fallback rounds.
type memory struct {
	lastID *uint64
}

func (m *memory) remember(id uint64) {
	m.lastID = &id
}

func (m *memory) fallback() (uint64, error) {
	if m.lastID == nil {
		return 0, ErrNoEligibleBlock
	}
	return *m.lastID, nil
}

func (m *memory) primed() bool {
	return m.lastID != nil
}

func (m *memory) state() string {
	if m.primed() {
		return "primed"
	}
	return "fresh"
}
