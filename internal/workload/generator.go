package workload

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/blockflux/internal/block"
	"github.com/sheerbytes/blockflux/internal/config"
)

// Sink accepts generated blocks.
type Sink interface {
	Submit(meta block.Meta, data []byte) error
}

// Generator emits synthetic blocks for every stream class of a profile.
type Generator struct {
	profile config.Profile
	sink    Sink
	logger  *slog.Logger
	nextID  atomic.Uint64
	emitted atomic.Uint64
	refused atomic.Uint64
}

func NewGenerator(profile config.Profile, sink Sink, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Generator{profile: profile, sink: sink, logger: logger}
}

// Run emits one block per class interval until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, class := range g.profile.Streams {
		eg.Go(func() error {
			g.runClass(ctx, class)
			return nil
		})
	}
	return eg.Wait()
}

func (g *Generator) runClass(ctx context.Context, class config.StreamClass) {
	ticker := time.NewTicker(class.Interval)
	defer ticker.Stop()

	var prev uint64
	for {
		prev = g.emit(class, prev)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// emit submits one block and returns the id later blocks of the class
// depend on.
func (g *Generator) emit(class config.StreamClass, prev uint64) uint64 {
	id := g.nextID.Add(1)
	meta := block.NewMeta(id, class.Deadline, class.Priority)
	if class.DependsOnPrevious && prev != 0 {
		meta = meta.DependsOn(prev)
	}

	data := make([]byte, class.BlockSize)
	for i := range data {
		data[i] = byte(id + uint64(i))
	}
	if err := g.sink.Submit(meta, data); err != nil {
		g.refused.Add(1)
		g.logger.Warn("block refused", "stream", class.Name, "block_id", id, "error", err)
		return prev
	}
	g.emitted.Add(1)
	return id
}

// Emitted returns how many blocks were accepted by the sink.
func (g *Generator) Emitted() uint64 {
	return g.emitted.Load()
}

// Refused returns how many blocks the sink rejected.
func (g *Generator) Refused() uint64 {
	return g.refused.Load()
}
