package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultPrefix   = "dfuloader"
)

var (
	ErrHeld   = errors.New("status: publishing held")
	ErrNoSink = errors.New("status: no sink")
)

// Sink is a broker connection opened once per flush.
type Sink interface {
	Open() error
	Publish(topic, payload []byte) error
	Close()
}

// PublisherConfig configures a Publisher. Zero values select defaults.
type PublisherConfig struct {
	Device   string
	Prefix   string
	Interval time.Duration
	// Report, when set, is published to <prefix>/<device>/status on every
	// flush.
	Report func() Report
	// Hold defers flushing while it returns true.
	Hold   func() bool
	Logger *slog.Logger
}

// PublisherStats is a snapshot of publisher counters.
type PublisherStats struct {
	Sent   uint32
	Errors uint32
	Held   uint32
}

// Publisher drains a Queue to a Sink.
type Publisher struct {
	cfg  PublisherConfig
	q    *Queue
	sink Sink
	log  *slog.Logger

	topicLog    []byte
	topicStatus []byte
	batch       [QueueSize]Entry
	body        [512]byte

	sent  atomic.Uint32
	errs  atomic.Uint32
	holds atomic.Uint32
}

func NewPublisher(q *Queue, sink Sink, cfg PublisherConfig) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	base := cfg.Prefix + "/" + cfg.Device + "/"
	return &Publisher{
		cfg:         cfg,
		q:           q,
		sink:        sink,
		log:         cfg.Logger,
		topicLog:    []byte(base + "log"),
		topicStatus: []byte(base + "status"),
	}
}

// Topics returns the log and status topic names.
func (p *Publisher) Topics() (log, status string) {
	return string(p.topicLog), string(p.topicStatus)
}

// Flush publishes the report and every queued event over one connection.
// Queued events are removed before sending; on a sink failure they are lost.
func (p *Publisher) Flush() error {
	if p.sink == nil {
		return ErrNoSink
	}
	if p.cfg.Hold != nil && p.cfg.Hold() {
		p.holds.Add(1)
		return ErrHeld
	}
	n := p.q.Drain(p.batch[:])
	if n == 0 && p.cfg.Report == nil {
		return nil
	}
	// The sink logs through the same handler; its records stay out of the queue.
	p.q.Pause()
	defer p.q.Resume()
	if err := p.sink.Open(); err != nil {
		p.errs.Add(1)
		p.log.Debug("status:open-failed", slog.String("err", err.Error()))
		return fmt.Errorf("status: open: %w", err)
	}
	defer p.sink.Close()

	if p.cfg.Report != nil {
		r := p.cfg.Report()
		l := EncodeReport(p.body[:], &r)
		if err := p.publish(p.topicStatus, p.body[:l]); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		l := EncodeEntry(p.body[:], p.cfg.Device, &p.batch[i])
		if err := p.publish(p.topicLog, p.body[:l]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publish(topic, payload []byte) error {
	if err := p.sink.Publish(topic, payload); err != nil {
		p.errs.Add(1)
		p.log.Debug("status:publish-failed",
			slog.String("topic", string(topic)),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("status: publish: %w", err)
	}
	p.sent.Add(1)
	return nil
}

// Run flushes every interval until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.Flush()
		}
	}
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{Sent: p.sent.Load(), Errors: p.errs.Load(), Held: p.holds.Load()}
}
