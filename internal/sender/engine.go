package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/sheerbytes/blockflux/internal/block"
	"github.com/sheerbytes/blockflux/internal/pacing"
	"github.com/sheerbytes/blockflux/internal/scheduler"
	"github.com/sheerbytes/blockflux/internal/transfer"
	"github.com/sheerbytes/blockflux/pkg/protocol"
)

const (
	DefaultChunkSize = 16 * 1024
	MaxChunkSize     = 4 * 1024 * 1024
)

// Options configures an Engine.
type Options struct {
	ChunkSize int
	SessionID string
	Logger    *slog.Logger
	Metrics   *Metrics
}

// Stats counts what the engine has done so far.
type Stats struct {
	BlocksSent    uint64
	BlocksDropped uint64
	BytesSent     uint64
	Fallbacks     uint64
}

// Engine drains a block store over one connection, asking the scheduler
// which block gets each transmission opportunity.
type Engine struct {
	conn    transfer.Conn
	sched   scheduler.Scheduler
	store   *block.Store
	pacer   *pacing.Estimator
	logger  *slog.Logger
	metrics *Metrics
	chunk   int
	session string
	wake    chan struct{}

	// schedMu serializes scheduler calls; Snapshot runs on debug goroutines.
	schedMu sync.Mutex

	mu      sync.Mutex
	streams map[uint64]transfer.Stream
	stats   Stats
	packets uint64
}

// NewEngine wires the pieces of a sender together.
func NewEngine(conn transfer.Conn, sched scheduler.Scheduler, store *block.Store, pacer *pacing.Estimator, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize > MaxChunkSize {
		opts.ChunkSize = MaxChunkSize
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		conn:    conn,
		sched:   sched,
		store:   store,
		pacer:   pacer,
		logger:  opts.Logger.With("session_id", opts.SessionID),
		metrics: opts.Metrics,
		chunk:   opts.ChunkSize,
		session: opts.SessionID,
		wake:    make(chan struct{}, 1),
		streams: make(map[uint64]transfer.Stream),
	}
}

// SessionID identifies this engine in logs and snapshots.
func (e *Engine) SessionID() string {
	return e.session
}

// Submit queues a block for transmission.
func (e *Engine) Submit(meta block.Meta, data []byte) error {
	if err := e.store.Push(meta, data); err != nil {
		return err
	}
	e.metrics.setPending(e.store.Len(), e.store.PendingBytes())
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run sends until ctx is done. It returns nil on cancellation and an error
// when the scheduler has nothing to offer or the connection fails.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeStreams()

	for {
		if ctx.Err() != nil {
			return nil
		}

		cond := e.conditions()
		candidates := e.prune(e.store.Candidates(), cond)
		if !lo.SomeBy(candidates, scheduler.Block.Eligible) {
			select {
			case <-e.wake:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		id, err := e.selectBlock(candidates, cond)
		if err != nil {
			return fmt.Errorf("select block: %w", err)
		}
		b, ok := e.store.Get(id)
		if !ok || !b.Eligible() {
			b = e.substitute(id, candidates)
		}

		if err := e.sendChunk(ctx, b); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (e *Engine) selectBlock(candidates []scheduler.Block, cond scheduler.Conditions) (uint64, error) {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	return e.sched.SelectBlock(candidates, cond)
}

func (e *Engine) shouldDrop(b scheduler.Block, cond scheduler.Conditions) bool {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	return e.sched.ShouldDropBlock(b, cond)
}

func (e *Engine) schedulerSnapshot() any {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	return e.sched.Snapshot()
}

func (e *Engine) conditions() scheduler.Conditions {
	e.mu.Lock()
	next := e.packets
	e.mu.Unlock()
	return scheduler.Conditions{
		PacingRate:   e.pacer.PacingRate(),
		RTT:          e.pacer.RTT(),
		NextPacketID: next,
		Now:          e.store.Clock().Millis(),
	}
}

// prune drops every candidate the scheduler considers hopeless and returns
// the survivors.
func (e *Engine) prune(candidates []scheduler.Block, cond scheduler.Conditions) []scheduler.Block {
	return lo.Filter(candidates, func(b scheduler.Block, _ int) bool {
		if !e.shouldDrop(b, cond) {
			return true
		}
		e.drop(b)
		return false
	})
}

func (e *Engine) drop(b scheduler.Block) {
	if _, ok := e.store.Drop(b.ID); !ok {
		return
	}

	e.mu.Lock()
	stream, opened := e.streams[b.ID]
	delete(e.streams, b.ID)
	e.stats.BlocksDropped++
	e.mu.Unlock()

	if opened {
		if wc, ok := stream.(transfer.WriteCanceler); ok {
			wc.CancelWrite(transfer.CodeBlockDropped)
		} else {
			stream.Close()
		}
	}
	e.metrics.blockDone(resultDropped)
	e.metrics.setPending(e.store.Len(), e.store.PendingBytes())
	e.logger.Info("block dropped",
		"block_id", b.ID,
		"unsent_bytes", b.Remaining,
		"size", b.Size,
		"stream_opened", opened)
}

// substitute replaces a selection the store no longer holds, which happens
// when the scheduler falls back to a block that was already completed. A
// block whose dependency is still pending is only taken when every
// candidate is waiting, as in a dependency cycle.
func (e *Engine) substitute(stale uint64, candidates []scheduler.Block) scheduler.Block {
	eligible := lo.Filter(candidates, func(b scheduler.Block, _ int) bool { return b.Eligible() })
	pending := lo.SliceToMap(eligible, func(b scheduler.Block) (uint64, struct{}) { return b.ID, struct{}{} })
	b, ok := lo.Find(eligible, func(b scheduler.Block) bool {
		_, waiting := pending[b.DependID]
		return !b.HasDependency() || !waiting
	})
	if !ok {
		b = eligible[0]
	}

	e.mu.Lock()
	e.stats.Fallbacks++
	e.mu.Unlock()
	e.metrics.fallback()
	e.logger.Debug("stale selection replaced", "selected", stale, "block_id", b.ID)
	return b
}

func (e *Engine) sendChunk(ctx context.Context, b scheduler.Block) error {
	stream, err := e.stream(ctx, b)
	if err != nil {
		return err
	}

	n := e.chunk
	if uint64(n) > b.Remaining {
		n = int(b.Remaining)
	}
	if err := e.pacer.Wait(ctx, n); err != nil {
		return err
	}

	chunk, err := e.store.Next(b.ID, n)
	if err != nil {
		return err
	}
	if _, err := stream.Write(chunk); err != nil {
		return fmt.Errorf("write block %d: %w", b.ID, err)
	}
	e.pacer.OnSent(len(chunk))

	e.mu.Lock()
	e.packets++
	e.stats.BytesSent += uint64(len(chunk))
	e.mu.Unlock()
	e.metrics.sent(len(chunk))

	if cur, ok := e.store.Get(b.ID); ok && cur.Remaining == 0 {
		return e.finish(b.ID, stream)
	}
	return nil
}

// stream returns the block's stream, opening it and writing the header on
// first use.
func (e *Engine) stream(ctx context.Context, b scheduler.Block) (transfer.Stream, error) {
	e.mu.Lock()
	stream, ok := e.streams[b.ID]
	e.mu.Unlock()
	if ok {
		return stream, nil
	}

	stream, err := e.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open block stream: %w", err)
	}
	hdr := transfer.BlockHeader{
		ID:         b.ID,
		Priority:   b.Priority,
		DeadlineMs: clampMs(b.Deadline),
		QueuedMs:   clampMs(b.Age(e.store.Clock().Millis())),
		DependID:   b.DependID,
		Size:       b.Size,
	}
	if err := transfer.WriteBlockHeader(stream, hdr); err != nil {
		stream.Close()
		return nil, err
	}

	e.mu.Lock()
	e.streams[b.ID] = stream
	e.mu.Unlock()
	e.logger.Debug("block stream opened", "block_id", b.ID, "size", b.Size, "deadline_ms", b.Deadline)
	return stream, nil
}

func clampMs(ms uint64) uint32 {
	return uint32(min(ms, uint64(^uint32(0))))
}

func (e *Engine) finish(id uint64, stream transfer.Stream) error {
	e.store.Remove(id)
	e.mu.Lock()
	delete(e.streams, id)
	e.stats.BlocksSent++
	e.mu.Unlock()
	e.metrics.blockDone(resultSent)
	e.metrics.setPending(e.store.Len(), e.store.PendingBytes())

	if err := stream.Close(); err != nil {
		return fmt.Errorf("finish block %d: %w", id, err)
	}
	e.logger.Debug("block sent", "block_id", id)
	return nil
}

func (e *Engine) closeStreams() {
	e.mu.Lock()
	streams := e.streams
	e.streams = make(map[uint64]transfer.Stream)
	e.mu.Unlock()
	for _, s := range streams {
		if wc, ok := s.(transfer.WriteCanceler); ok {
			wc.CancelWrite(transfer.CodeBlockDropped)
			continue
		}
		s.Close()
	}
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Snapshot reports queue, pacing and scheduler state.
func (e *Engine) Snapshot() protocol.SenderSnapshot {
	stats := e.Stats()
	return protocol.SenderSnapshot{
		SessionID:     e.session,
		Policy:        e.sched.Name(),
		Scheduler:     e.schedulerSnapshot(),
		PendingBlocks: e.store.Len(),
		PendingBytes:  e.store.PendingBytes(),
		PacingRate:    e.pacer.PacingRate(),
		RTTMs:         e.pacer.RTT(),
		BlocksSent:    stats.BlocksSent,
		BlocksDropped: stats.BlocksDropped,
		BytesSent:     stats.BytesSent,
		Fallbacks:     stats.Fallbacks,
	}
}

// ProbeRTT opens the control stream and pings the receiver every interval,
// feeding echo round trips into the pacer. It returns nil when ctx is done.
func (e *Engine) ProbeRTT(ctx context.Context, interval time.Duration) error {
	stream, err := e.conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open control stream: %w", err)
	}
	defer stream.Close()

	if err := transfer.WriteControlPreamble(stream); err != nil {
		return err
	}

	go func() {
		for {
			msg, err := transfer.ReadControl(stream)
			if err != nil {
				return
			}
			if !msg.Pong {
				continue
			}
			rtt := time.Since(time.Unix(0, msg.SentNanos))
			e.pacer.OnRTTSample(rtt)
			e.logger.Debug("rtt sample", "seq", msg.Seq, "rtt", rtt, "srtt_ms", e.pacer.RTT())
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := uint64(0); ; seq++ {
		ping := transfer.ControlMessage{Seq: seq, SentNanos: time.Now().UnixNano()}
		if err := transfer.WriteControl(stream, ping); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send ping: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
