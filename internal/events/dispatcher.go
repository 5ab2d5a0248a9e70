// Package events publishes committed document operations to Kafka so other
// services (search indexing, audit, durable snapshots) can follow edits.
//
// Publishing never blocks the edit path for long: events are queued locally
// and sent by background workers with bounded retries.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/sync/semaphore"

	"github.com/filebox/filebox/backend-go/internal/ot"
)

const EventOperationApplied = "OPERATION_APPLIED"

var ErrClosed = errors.New("dispatcher closed")

type OperationEvent struct {
	EventType string       `json:"eventType"`
	ItemID    string       `json:"itemId"`
	Version   int64        `json:"version"`
	UserID    string       `json:"userId"`
	Operation ot.Operation `json:"operation"`
	AppliedAt time.Time    `json:"appliedAt"`
}

type Options struct {
	QueueSize int
	Workers   int
	// MaxInFlight caps concurrent SendMessage calls across all workers.
	// Workers beyond the cap wait, so a retrying worker cannot crowd out
	// the others' first attempts.
	MaxInFlight int64
	// Limiter, when set, replaces MaxInFlight with a cap shared with other
	// producers of the process.
	Limiter      *semaphore.Weighted
	MaxRetry     int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	DrainTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:    1024,
		Workers:      4,
		MaxInFlight:  2,
		MaxRetry:     3,
		BaseBackoff:  100 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan OperationEvent
	inflight *semaphore.Weighted
	opt      Options

	// ctx is cancelled when Close gives up draining.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewProducer builds a sync producer for brokers.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0
	return sarama.NewSyncProducer(brokers, cfg)
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt Options) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.MaxInFlight <= 0 {
		opt.MaxInFlight = int64(opt.Workers)
	}
	if opt.DrainTimeout <= 0 {
		opt.DrainTimeout = DefaultOptions().DrainTimeout
	}
	inflight := opt.Limiter
	if inflight == nil {
		inflight = semaphore.NewWeighted(opt.MaxInFlight)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan OperationEvent, opt.QueueSize),
		inflight: inflight,
		opt:      opt,
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Publish queues evt. It waits for queue space until ctx is done; events
// are best effort, so a full queue under a short deadline drops the event.
func (d *Dispatcher) Publish(ctx context.Context, evt OperationEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if evt.EventType == "" {
		evt.EventType = EventOperationApplied
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue and closes the producer.
// Events still queued after DrainTimeout are dropped.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.opt.DrainTimeout):
		slog.Warn("kafka dispatcher drain timed out, dropping queued events", "queued", len(d.queue))
		d.cancel()
		<-drained
	}
	d.cancel()

	if d.producer == nil {
		return nil
	}
	return d.producer.Close()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt OperationEvent) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		if err := d.acquire(); err != nil {
			slog.Warn("kafka dispatcher stopped, dropping event",
				"item", evt.ItemID, "version", evt.Version, "worker", workerID)
			return
		}
		err := d.sendOnce(evt)
		d.inflight.Release(1)

		if err == nil {
			return
		}

		if attempt == d.opt.MaxRetry {
			slog.Warn("kafka send failed, dropping event",
				"item", evt.ItemID, "version", evt.Version, "worker", workerID, "error", err)
			return
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
		}
	}
}

// acquire takes a send slot. Acquire may succeed on a done context when a
// slot is free, so the stop signal is checked first.
func (d *Dispatcher) acquire() error {
	if err := d.ctx.Err(); err != nil {
		return err
	}
	return d.inflight.Acquire(d.ctx, 1)
}

func (d *Dispatcher) sendOnce(evt OperationEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.ItemID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
