package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/sheerbytes/blockflux/internal/transfer"
	"github.com/sheerbytes/blockflux/pkg/protocol"
)

// Delivery records one block stream as the receiver saw it.
type Delivery struct {
	ID       uint64
	Priority uint64
	DependID uint64
	Deadline time.Duration
	Size     uint64
	Bytes    uint64
	Complete bool
	Reset    bool
	Queued   time.Duration // age on the sender when its stream opened
	Elapsed  time.Duration // header arrival to last byte
}

// Latency is the block's age when its last byte arrived, counted from
// creation on the sender.
func (d Delivery) Latency() time.Duration {
	return d.Queued + d.Elapsed
}

// OnTime reports whether the block arrived whole within its deadline.
func (d Delivery) OnTime() bool {
	return d.Complete && d.Latency() <= d.Deadline
}

// Options configures a Receiver.
type Options struct {
	Logger     *slog.Logger
	Now        func() time.Time
	OnDelivery func(Delivery)
}

// Receiver reads block streams and answers pings on one connection.
type Receiver struct {
	conn       transfer.Conn
	logger     *slog.Logger
	now        func() time.Time
	onDelivery func(Delivery)

	mu         sync.Mutex
	deliveries []Delivery
	pongs      int
}

// New returns a receiver for conn.
func New(conn transfer.Conn, opts Options) *Receiver {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Receiver{
		conn:       conn,
		logger:     opts.Logger,
		now:        opts.Now,
		onDelivery: opts.OnDelivery,
	}
}

// Run accepts streams until ctx is done or the connection fails. Stream
// handlers end when their stream does.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		stream, err := r.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept stream: %w", err)
		}
		go r.handle(stream)
	}
}

func (r *Receiver) handle(stream transfer.Stream) {
	kind, err := transfer.ReadStreamKind(stream)
	if err != nil {
		r.logger.Warn("unreadable stream", "error", err)
		stream.Close()
		return
	}
	switch kind {
	case transfer.KindControl:
		r.echo(stream)
	case transfer.KindBlock:
		r.readBlock(stream)
	}
}

// echo answers pings until the sender finishes the control stream.
func (r *Receiver) echo(stream transfer.Stream) {
	defer stream.Close()
	for {
		msg, err := transfer.ReadControl(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("control stream ended", "error", err)
			}
			return
		}
		if msg.Pong {
			continue
		}
		msg.Pong = true
		if err := transfer.WriteControl(stream, msg); err != nil {
			r.logger.Debug("pong failed", "error", err)
			return
		}
		r.mu.Lock()
		r.pongs++
		r.mu.Unlock()
	}
}

func (r *Receiver) readBlock(stream transfer.Stream) {
	defer stream.Close()

	hdr, err := transfer.ReadBlockHeader(stream)
	if err != nil {
		r.logger.Warn("bad block header", "error", err)
		return
	}
	start := r.now()
	n, err := drain(stream)

	d := Delivery{
		ID:       hdr.ID,
		Priority: hdr.Priority,
		DependID: hdr.DependID,
		Deadline: time.Duration(hdr.DeadlineMs) * time.Millisecond,
		Size:     hdr.Size,
		Queued:   time.Duration(hdr.QueuedMs) * time.Millisecond,
		Bytes:    uint64(n),
		Reset:    err != nil,
		Elapsed:  r.now().Sub(start),
	}
	d.Complete = !d.Reset && d.Bytes == d.Size

	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()

	switch {
	case d.Reset:
		r.logger.Info("block reset by sender", "block_id", d.ID, "bytes", d.Bytes, "size", d.Size)
	case !d.Complete:
		r.logger.Warn("block truncated", "block_id", d.ID, "bytes", d.Bytes, "size", d.Size)
	default:
		r.logger.Debug("block received", "block_id", d.ID, "bytes", d.Bytes, "latency", d.Latency(), "on_time", d.OnTime())
	}
	if r.onDelivery != nil {
		r.onDelivery(d)
	}
}

const readBufSize = 32 * 1024

var readBufs = sync.Pool{New: func() any {
	buf := make([]byte, readBufSize)
	return &buf
}}

// drain reads r to EOF and counts the bytes.
func drain(r io.Reader) (int64, error) {
	bp := readBufs.Get().(*[]byte)
	defer readBufs.Put(bp)

	var total int64
	for {
		n, err := r.Read(*bp)
		total += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Deliveries returns a copy of every block seen so far, in completion order.
func (r *Receiver) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Summary tallies the deliveries.
func (r *Receiver) Summary() protocol.ReceiverSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	late := lo.CountBy(r.deliveries, func(d Delivery) bool {
		return d.Complete && !d.OnTime()
	})
	reset := lo.CountBy(r.deliveries, func(d Delivery) bool {
		return d.Reset
	})
	bytes := lo.SumBy(r.deliveries, func(d Delivery) uint64 {
		return d.Bytes
	})
	onTimeBytes := lo.SumBy(lo.Filter(r.deliveries, func(d Delivery, _ int) bool {
		return d.OnTime()
	}), func(d Delivery) uint64 {
		return d.Bytes
	})
	return protocol.ReceiverSummary{
		Blocks:      len(r.deliveries),
		OnTime:      lo.CountBy(r.deliveries, Delivery.OnTime),
		Late:        late,
		Reset:       reset,
		Bytes:       bytes,
		OnTimeBytes: onTimeBytes,
		PingsAck:    r.pongs,
	}
}
