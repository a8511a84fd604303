// Package persist buffers delivered messages and writes them to durable
// storage in batches.
//
// A buffer is flushed when it reaches the batch size or when the batch delay
// elapses after its first message, whichever comes first. Flushed batches are
// written by a single writer goroutine in enqueue order.
package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/metrics"
)

const (
	DefaultBatchSize    = 10
	DefaultBatchDelay   = 500 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second

	// backlogWarning is the number of batches waiting for the writer above
	// which the pipeline logs that storage is falling behind.
	backlogWarning = 64
)

// Store is the durable write side.
type Store interface {
	AppendBatch(ctx context.Context, msgs []chat.Message) error
}

// Invalidator drops cached history for a channel.
type Invalidator interface {
	Invalidate(kind chat.ChannelKind)
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Enqueued  int64
	Flushes   int64
	Persisted int64
	Dropped   int64
}

type job struct {
	batch []chat.Message
	ack   chan struct{}
}

// Pipeline owns the pending write buffer.
type Pipeline struct {
	store        Store
	invalidator  Invalidator
	log          zerolog.Logger
	batchSize    int
	delay        time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	buffer   []chat.Message
	timer    *time.Timer
	timerSeq uint64
	closed   bool

	queued []job
	wake   chan struct{}
	warned bool
	done   chan struct{}

	enqueued  atomic.Int64
	flushes   atomic.Int64
	persisted atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.delay = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// New creates a pipeline. Run must be started before messages are enqueued.
func New(store Store, invalidator Invalidator, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		invalidator:  invalidator,
		log:          log.With().Str("component", "persist").Logger(),
		batchSize:    DefaultBatchSize,
		delay:        DefaultBatchDelay,
		writeTimeout: DefaultWriteTimeout,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run writes flushed batches until Close. It should be called in its own goroutine.
func (p *Pipeline) Run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		jobs := p.queued
		p.queued = nil
		p.warned = false
		stop := p.closed && len(jobs) == 0
		p.mu.Unlock()

		if stop {
			return
		}
		if len(jobs) == 0 {
			<-p.wake
			continue
		}
		for _, j := range jobs {
			if len(j.batch) > 0 {
				p.write(j.batch)
			}
			if j.ack != nil {
				close(j.ack)
			}
		}
	}
}

// Enqueue appends a delivered message to the pending buffer. System messages
// are never persisted.
func (p *Pipeline) Enqueue(msg chat.Message) {
	if !msg.Channel.Persisted() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.dropped.Add(1)
		metrics.MessagesDropped.Inc()
		p.log.Warn().Str("message_id", msg.ID).Msg("pipeline closed, message not persisted")
		return
	}

	p.enqueued.Add(1)
	p.buffer = append(p.buffer, msg)
	if len(p.buffer) >= p.batchSize {
		p.flushLocked(nil)
		return
	}
	if p.timer == nil {
		p.timerSeq++
		seq := p.timerSeq
		p.timer = time.AfterFunc(p.delay, func() { p.onTimer(seq) })
	}
}

// Flush hands the current buffer to the writer without waiting for the write.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.flushLocked(nil)
}

// Drain flushes whatever is buffered and waits until every batch handed to
// the writer so far has been written.
func (p *Pipeline) Drain(ctx context.Context) error {
	ack := make(chan struct{})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.flushLocked(ack)
	p.mu.Unlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain pipeline: %w", ctx.Err())
	}
}

// Close flushes the buffer, stops accepting messages and waits for the
// writer to finish. Run must have been started.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.flushLocked(nil)
	p.closed = true
	p.signal()
	p.mu.Unlock()

	<-p.done
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:  p.enqueued.Load(),
		Flushes:   p.flushes.Load(),
		Persisted: p.persisted.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Pipeline) onTimer(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A size-triggered flush may have replaced the timer after this one fired.
	if p.closed || p.timer == nil || seq != p.timerSeq {
		return
	}
	p.flushLocked(nil)
}

// flushLocked swaps the buffer for an empty one and queues it for the writer.
// p.mu must be held. It never blocks, however far the writer is behind.
func (p *Pipeline) flushLocked(ack chan struct{}) {
	batch := p.buffer
	p.buffer = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if len(batch) == 0 && ack == nil {
		return
	}
	p.queued = append(p.queued, job{batch: batch, ack: ack})
	if len(p.queued) > backlogWarning && !p.warned {
		p.warned = true
		p.log.Warn().Int("batches", len(p.queued)).Msg("store writes falling behind")
	}
	p.signal()
}

// signal wakes the writer without blocking.
func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) write(batch []chat.Message) {
	p.flushes.Add(1)
	metrics.FlushesTotal.Inc()
	start := time.Now()
	defer func() { metrics.FlushDuration.Observe(time.Since(start).Seconds()) }()

	persisted := batch
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	err := p.store.AppendBatch(ctx, batch)
	cancel()
	if err != nil {
		p.log.Warn().Err(err).Int("size", len(batch)).Msg("batch write failed, retrying messages individually")
		persisted = p.writeEach(batch)
	}

	p.persisted.Add(int64(len(persisted)))
	metrics.MessagesPersisted.Add(float64(len(persisted)))

	kinds := lo.Uniq(lo.Map(persisted, func(m chat.Message, _ int) chat.ChannelKind { return m.Channel }))
	for _, kind := range kinds {
		p.invalidator.Invalidate(kind)
	}

	p.log.Debug().
		Int("size", len(batch)).
		Int("persisted", len(persisted)).
		Dur("took", time.Since(start)).
		Msg("batch flushed")
}

// writeEach is the fallback path: every message gets its own write. Failures
// are logged and dropped, the message was already delivered live.
func (p *Pipeline) writeEach(batch []chat.Message) []chat.Message {
	persisted := make([]chat.Message, 0, len(batch))
	for _, msg := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
		err := p.store.AppendBatch(ctx, []chat.Message{msg})
		cancel()
		if err != nil {
			p.dropped.Add(1)
			metrics.MessagesDropped.Inc()
			p.log.Error().
				Err(fmt.Errorf("%w: %v", chat.ErrStoreWriteFailed, err)).
				Str("message_id", msg.ID).
				Str("channel", msg.Channel.String()).
				Msg("dropping message after individual write failed")
			continue
		}
		persisted = append(persisted, msg)
	}
	return persisted
}
