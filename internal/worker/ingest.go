// Package worker runs the Kafka ingestion path: events.ingest messages are
// validated, correlated and only then committed.
package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/feedback-gateway/internal/correlator"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/kafka"
	"github.com/jmehdipour/feedback-gateway/internal/metrics"
	"github.com/jmehdipour/feedback-gateway/internal/model"
)

const IngestTopic = "events.ingest"

// Fetcher is the consumer side the worker needs.
type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// DeadLetter receives messages that can never be processed.
type DeadLetter interface {
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
}

type Processor interface {
	ProcessEvent(ctx context.Context, in model.EventInput) (correlator.Result, error)
}

// IngestWorker fans messages out to Workers processors. All messages of one
// partition go to the same processor, so offsets are committed in order.
type IngestWorker struct {
	Consumer  Fetcher
	Decoder   *ingest.Decoder
	Processor Processor
	DLQ       DeadLetter // optional
	Log       *zap.Logger

	Workers    int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewIngestWorker(consumer Fetcher, dec *ingest.Decoder, proc Processor, log *zap.Logger) *IngestWorker {
	return &IngestWorker{
		Consumer:   consumer,
		Decoder:    dec,
		Processor:  proc,
		Log:        log.Named("ingest"),
		Workers:    8,
		MinBackoff: 200 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	}
}

// Run blocks until ctx is cancelled and every processor has drained.
func (w *IngestWorker) Run(ctx context.Context) error {
	if w.Consumer == nil || w.Decoder == nil || w.Processor == nil {
		return errors.New("ingest worker: consumer, decoder and processor are required")
	}
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.MinBackoff <= 0 {
		w.MinBackoff = 200 * time.Millisecond
	}
	if w.MaxBackoff < w.MinBackoff {
		w.MaxBackoff = w.MinBackoff
	}

	lanes := make([]chan kafka.Message, w.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 16)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				w.handle(ctx, m)
			}
		}(lanes[i])
	}

	w.fetchLoop(ctx, lanes)

	for _, l := range lanes {
		close(l)
	}
	wg.Wait()
	return nil
}

func (w *IngestWorker) fetchLoop(ctx context.Context, lanes []chan kafka.Message) {
	for {
		m, err := w.Consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Log.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, w.MinBackoff) {
				return
			}
			continue
		}
		select {
		case lanes[m.Partition%len(lanes)] <- m:
		case <-ctx.Done():
			return
		}
	}
}

// handle never commits a message whose event was not persisted: store
// failures and lost races are retried in place until they succeed or the
// worker stops, leaving the offset for redelivery.
func (w *IngestWorker) handle(ctx context.Context, m kafka.Message) {
	in, err := w.Decoder.Decode(m.Value)
	if err == nil && in.AppID == "" {
		err = errors.New("app_id is required on the ingest topic")
	}
	if err != nil {
		metrics.EventsTotal.WithLabelValues(eventTypeOf(in), "rejected").Inc()
		w.Log.Warn("poison message skipped",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))
		w.deadLetter(ctx, m, err)
		w.commit(ctx, m)
		return
	}

	backoff := w.MinBackoff
	for attempt := 1; ; attempt++ {
		res, err := w.Processor.ProcessEvent(ctx, in)
		if err == nil {
			w.Log.Debug("event ingested",
				zap.String("event_id", res.EventID),
				zap.String("issue_id", res.Issue.ID),
				zap.Bool("created", res.Created))
			w.commit(ctx, m)
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.Log.Error("process event failed, will retry",
			zap.String("app_id", in.AppID),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, w.MaxBackoff)
	}
}

func (w *IngestWorker) commit(ctx context.Context, m kafka.Message) {
	if err := w.Consumer.Commit(ctx, m); err != nil && ctx.Err() == nil {
		w.Log.Error("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

func (w *IngestWorker) deadLetter(ctx context.Context, m kafka.Message, cause error) {
	if w.DLQ == nil {
		return
	}
	err := w.DLQ.Publish(ctx, m.Key, m.Value, map[string]string{
		"error":            cause.Error(),
		"source_topic":     m.Topic,
		"source_partition": strconv.Itoa(m.Partition),
		"source_offset":    strconv.FormatInt(m.Offset, 10),
	})
	if err != nil {
		w.Log.Error("dead-letter publish failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

func eventTypeOf(in model.EventInput) string {
	if in.Type == "" {
		return "unknown"
	}
	return in.Type.String()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
