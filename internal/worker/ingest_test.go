package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmehdipour/feedback-gateway/internal/correlator"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/kafka"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/redact"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
)

type fakeConsumer struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (f *fakeConsumer) Fetch(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeConsumer) Commit(_ context.Context, m kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m.Offset)
	return nil
}

func (f *fakeConsumer) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type fakeDLQ struct {
	mu      sync.Mutex
	headers []map[string]string
}

func (d *fakeDLQ) Publish(_ context.Context, _, _ []byte, h map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, h)
	return nil
}

type flakyProcessor struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *flakyProcessor) ProcessEvent(_ context.Context, in model.EventInput) (correlator.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return correlator.Result{}, errors.New("store unavailable")
	}
	return correlator.Result{EventID: "ev", Issue: &model.Issue{ID: "is"}, Created: true}, nil
}

func (p *flakyProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func msg(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: IngestTopic, Partition: 0, Offset: offset, Value: []byte(value)}
}

const feedbackMsg = `{"app_id":"shop","environment":"prod","event_type":"feedback","payload":{"message":"hi"}}`

func startWorker(t *testing.T, w *IngestWorker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestIngestWorker_CorrelatesAndCommits(t *testing.T) {
	st := repository.NewMemoryStore()
	log := zaptest.NewLogger(t)
	consumer := &fakeConsumer{queue: []kafka.Message{msg(1, feedbackMsg), msg(2, feedbackMsg)}}
	w := NewIngestWorker(consumer, ingest.MustNewDecoder(), correlator.New(st, redact.New(), correlator.Config{}, log), log)
	w.Workers = 2

	stop := startWorker(t, w)
	require.Eventually(t, func() bool { return len(consumer.commits()) == 2 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{1, 2}, consumer.commits(), "one partition commits in order")
	list, err := st.ListIssues(context.Background(), model.IssueFilter{AppID: "shop"})
	require.NoError(t, err)
	assert.Len(t, list, 2, "feedback never groups")
}

func TestIngestWorker_PoisonIsCommittedAndDeadLettered(t *testing.T) {
	consumer := &fakeConsumer{queue: []kafka.Message{
		msg(1, `not json`),
		msg(2, `{"environment":"prod","event_type":"feedback","payload":{"message":"no app"}}`),
		msg(3, feedbackMsg),
	}}
	proc := &flakyProcessor{}
	dlq := &fakeDLQ{}
	w := NewIngestWorker(consumer, ingest.MustNewDecoder(), proc, zaptest.NewLogger(t))
	w.DLQ = dlq

	stop := startWorker(t, w)
	require.Eventually(t, func() bool { return len(consumer.commits()) == 3 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, proc.callCount())
	require.Len(t, dlq.headers, 2)
	assert.Equal(t, "1", dlq.headers[0]["source_offset"])
	assert.Equal(t, IngestTopic, dlq.headers[1]["source_topic"])
}

func TestIngestWorker_RetriesStoreFailuresBeforeCommit(t *testing.T) {
	consumer := &fakeConsumer{queue: []kafka.Message{msg(7, feedbackMsg)}}
	proc := &flakyProcessor{failures: 2}
	w := NewIngestWorker(consumer, ingest.MustNewDecoder(), proc, zaptest.NewLogger(t))
	w.MinBackoff = time.Millisecond
	w.MaxBackoff = 2 * time.Millisecond

	stop := startWorker(t, w)
	require.Eventually(t, func() bool { return len(consumer.commits()) == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 3, proc.callCount())
	assert.Equal(t, []int64{7}, consumer.commits())
}

func TestIngestWorker_FailedMessageNotCommittedOnShutdown(t *testing.T) {
	consumer := &fakeConsumer{queue: []kafka.Message{msg(1, feedbackMsg)}}
	proc := &flakyProcessor{failures: 1 << 30}
	w := NewIngestWorker(consumer, ingest.MustNewDecoder(), proc, zaptest.NewLogger(t))
	w.MinBackoff = time.Millisecond
	w.MaxBackoff = time.Millisecond

	stop := startWorker(t, w)
	require.Eventually(t, func() bool { return proc.callCount() >= 3 }, 5*time.Second, time.Millisecond)
	stop()

	assert.Empty(t, consumer.commits())
}

func TestIngestWorker_RequiresDependencies(t *testing.T) {
	w := &IngestWorker{Log: zaptest.NewLogger(t)}
	assert.Error(t, w.Run(context.Background()))
}
