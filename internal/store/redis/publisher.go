package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"chartfeed/internal/model"
)

// PublisherConfig tunes a Publisher.
type PublisherConfig struct {
	Prefix       string
	LatestTTL    time.Duration // default 30m
	MaxFailures  int           // default 5
	ResetTimeout time.Duration // default 10s
	MaxBuffered  int           // default 1024
}

func (c *PublisherConfig) defaults() {
	if c.LatestTTL <= 0 {
		c.LatestTTL = defaultLatestTTL
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 1024
	}
}

type pendingFrame struct {
	seq       uint64
	latestKey string
	channel   string
	data      []byte
}

// Publisher is a frame sink. Each frame is published on its series channel
// and stored under the series' latest key in one pipeline. While the circuit
// breaker is open frames queue locally, oldest dropped first, and are replayed
// in order before the next frame once Redis accepts writes again.
type Publisher struct {
	keys Keys
	ttl  time.Duration
	cb   *CircuitBreaker
	log  *zap.Logger

	write func(ctx context.Context, p pendingFrame) error

	mu     sync.Mutex
	buffer []pendingFrame
	maxBuf int
	seq    uint64

	OnBuffer func()          // a frame was queued
	OnFlush  func(count int) // queued frames were written
	OnTrip   func()          // the breaker opened
	OnState  func(State)
}

// NewPublisher wraps client.
func NewPublisher(client *goredis.Client, cfg PublisherConfig, log *zap.Logger) *Publisher {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		keys:   Keys{Prefix: cfg.Prefix},
		ttl:    cfg.LatestTTL,
		cb:     NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		log:    log.Named("redis-publisher"),
		maxBuf: cfg.MaxBuffered,
	}
	p.write = func(ctx context.Context, f pendingFrame) error {
		pipe := client.Pipeline()
		pipe.Set(ctx, f.latestKey, f.data, p.ttl)
		pipe.Publish(ctx, f.channel, f.data)
		_, err := pipe.Exec(ctx)
		return err
	}
	p.cb.OnStateChange = func(from, to State) {
		p.log.Warn("circuit breaker state change", zap.Stringer("from", from), zap.Stringer("to", to))
		if to == StateOpen && p.OnTrip != nil {
			p.OnTrip()
		}
		if p.OnState != nil {
			p.OnState(to)
		}
	}
	return p
}

// Publish implements model.FrameSink.
func (p *Publisher) Publish(ctx context.Context, f *model.Frame) error {
	key := f.Key()
	pf := pendingFrame{latestKey: p.keys.LatestFrame(key), channel: p.keys.FrameChannel(key), data: f.JSON()}

	p.mu.Lock()
	queued := len(p.buffer) > 0
	if queued {
		p.enqueueLocked(pf)
	}
	p.mu.Unlock()
	if queued {
		return p.flush(ctx)
	}

	err := p.cb.Execute(func() error { return p.write(ctx, pf) })
	if errors.Is(err, ErrCircuitOpen) {
		p.mu.Lock()
		p.enqueueLocked(pf)
		p.mu.Unlock()
		return nil
	}
	return err
}

func (p *Publisher) enqueueLocked(pf pendingFrame) {
	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.seq++
	pf.seq = p.seq
	p.buffer = append(p.buffer, pf)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush writes queued frames in order and stops at the first rejection.
func (p *Publisher) flush(ctx context.Context) error {
	flushed := 0
	var err error
	for {
		p.mu.Lock()
		if len(p.buffer) == 0 {
			p.mu.Unlock()
			break
		}
		head := p.buffer[0]
		p.mu.Unlock()

		err = p.cb.Execute(func() error { return p.write(ctx, head) })
		if err != nil {
			break
		}
		p.mu.Lock()
		if len(p.buffer) > 0 && p.buffer[0].seq == head.seq {
			p.buffer = p.buffer[1:]
		}
		p.mu.Unlock()
		flushed++
	}
	if flushed > 0 {
		p.log.Info("flushed buffered frames", zap.Int("count", flushed))
		if p.OnFlush != nil {
			p.OnFlush(flushed)
		}
	}
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

// PendingCount returns the number of queued frames.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Breaker exposes the circuit breaker.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }
