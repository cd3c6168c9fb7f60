package baseline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

type fakeCH struct {
	calls    int
	err      error
	counts   map[string]int
	from, to time.Time
}

func (f *fakeCH) CountByIssues(_ context.Context, _ []string, from, to time.Time) (map[string]int, error) {
	f.calls++
	f.from, f.to = from, to
	return f.counts, f.err
}

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestClickHouseProvider_PreviousWindow(t *testing.T) {
	ch := &fakeCH{counts: map[string]int{"i1": 4}}
	p := NewClickHouseProvider(ch, NewMicroBreaker(3, time.Minute), 0, zaptest.NewLogger(t))

	got := p.Previous(context.Background(), []*model.Issue{{ID: "i1"}, {ID: "i2"}}, now)

	assert.Equal(t, map[string]int{"i1": 4}, got)
	assert.Equal(t, now.Add(-48*time.Hour), ch.from)
	assert.Equal(t, now.Add(-24*time.Hour), ch.to)
}

func TestClickHouseProvider_NoIssuesSkipsLookup(t *testing.T) {
	ch := &fakeCH{}
	p := NewClickHouseProvider(ch, NewMicroBreaker(3, time.Minute), 0, zaptest.NewLogger(t))

	assert.Nil(t, p.Previous(context.Background(), nil, now))
	assert.Zero(t, ch.calls)
}

func TestClickHouseProvider_BreakerOpensAfterFailures(t *testing.T) {
	ch := &fakeCH{err: errors.New("connection refused")}
	p := NewClickHouseProvider(ch, NewMicroBreaker(2, time.Minute), 0, zaptest.NewLogger(t))
	issues := []*model.Issue{{ID: "i1"}}

	assert.Nil(t, p.Previous(context.Background(), issues, now))
	assert.Nil(t, p.Previous(context.Background(), issues, now))
	assert.Nil(t, p.Previous(context.Background(), issues, now))

	assert.Equal(t, 2, ch.calls)
	assert.Equal(t, "open", p.breaker.State())
}

func TestMicroBreaker_HalfOpenProbe(t *testing.T) {
	clock := now
	b := NewMicroBreaker(1, time.Minute)
	b.now = func() time.Time { return clock }

	require.True(t, b.TryAcquire())
	b.OnFailure()
	assert.False(t, b.TryAcquire())

	clock = clock.Add(2 * time.Minute)
	assert.True(t, b.TryAcquire(), "probe after open_for")
	assert.False(t, b.TryAcquire(), "only one probe in flight")

	b.OnFailure()
	assert.Equal(t, "open", b.State())

	clock = clock.Add(2 * time.Minute)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.TryAcquire())
}

func TestNop(t *testing.T) {
	assert.Nil(t, Nop{}.Previous(context.Background(), []*model.Issue{{ID: "x"}}, now))
}
