package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const EventUpdateApplied = "UPDATE_APPLIED"

// UpdateEvent is published for every update the service accepts, keyed by
// topic so one object's events stay on one partition.
type UpdateEvent struct {
	EventType string    `json:"eventType"`
	Topic     string    `json:"topic"`
	Kind      string    `json:"kind"`
	UpdateID  string    `json:"updateId"`
	Revision  uint64    `json:"revision"`
	AuthorID  string    `json:"authorId"`
	Size      int       `json:"size"`
	AppliedAt time.Time `json:"appliedAt"`
}

// EventSink receives applied-update events. Enqueue must not block the
// submit path for longer than ctx allows.
type EventSink interface {
	Enqueue(ctx context.Context, evt UpdateEvent) error
}

// KafkaDispatcher is a bounded local queue drained by worker goroutines
// that send with limited retries. A full queue makes Enqueue wait until ctx
// is done; events are best effort.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger

	queue chan UpdateEvent
	sem   *Semaphore
	wg    sync.WaitGroup
	once  sync.Once

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *KafkaDispatcherOptions) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, opt KafkaDispatcherOptions, log zerolog.Logger) *KafkaDispatcher {
	opt.defaults()
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         log.With().Str("component", "kafka-dispatcher").Logger(),
		queue:       make(chan UpdateEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt UpdateEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue and waits for workers.
// Enqueue must not be called after Close.
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt UpdateEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.log.Error().Err(err).
				Str("topic", evt.Topic).
				Str("update", evt.UpdateID).
				Uint64("rev", evt.Revision).
				Int("worker", workerID).
				Msg("kafka send failed, dropping event")
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt UpdateEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Topic),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
