package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name string
	trace
	startErr error
}

type trace struct {
	mu     *sync.Mutex
	events *[]string
}

func newTrace() trace {
	return trace{mu: &sync.Mutex{}, events: &[]string{}}
}

func (t trace) record(event string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.events = append(*t.events, event)
}

func (t trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(*t.events))
	copy(out, *t.events)
	return out
}

func (f *fakeService) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.record("start:" + f.name)
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.record("stop:" + f.name)
	return nil
}

func TestStartOrderAndReverseStop(t *testing.T) {
	tr := newTrace()
	sup := New()
	sup.Add("a", &fakeService{name: "a", trace: tr})
	sup.Add("b", &fakeService{name: "b", trace: tr})
	sup.Add("c", &fakeService{name: "c", trace: tr})

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Stop(context.Background()))

	assert.Equal(t, []string{
		"start:a", "start:b", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, tr.list())
}

func TestExplicitStopOrderWins(t *testing.T) {
	tr := newTrace()
	sup := New()
	sup.Add("fiat", &fakeService{name: "fiat", trace: tr})
	sup.Add("aggregator", &fakeService{name: "aggregator", trace: tr})
	sup.Add("collector", &fakeService{name: "collector", trace: tr})
	sup.Add("scheduler", &fakeService{name: "scheduler", trace: tr})
	sup.Add("rpc", &fakeService{name: "rpc", trace: tr})
	sup.SetStopOrder("scheduler", "aggregator", "collector", "fiat", "rpc")

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Stop(context.Background()))

	assert.Equal(t, []string{
		"start:fiat", "start:aggregator", "start:collector", "start:scheduler", "start:rpc",
		"stop:scheduler", "stop:aggregator", "stop:collector", "stop:fiat", "stop:rpc",
	}, tr.list())
}

func TestStartFailureRollsBack(t *testing.T) {
	tr := newTrace()
	sup := New()
	sup.Add("a", &fakeService{name: "a", trace: tr})
	sup.Add("b", &fakeService{name: "b", trace: tr, startErr: errors.New("boom")})

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.Equal(t, []string{"start:a", "stop:a"}, tr.list())
}

type dyingService struct {
	fakeService
	mu   sync.Mutex
	done chan struct{}
}

func (d *dyingService) Start(ctx context.Context) error {
	d.mu.Lock()
	d.done = make(chan struct{})
	d.mu.Unlock()
	return d.fakeService.Start(ctx)
}

func (d *dyingService) watch() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *dyingService) die() {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.done)
}

func TestWatchedComponentRestarts(t *testing.T) {
	tr := newTrace()
	svc := &dyingService{fakeService: fakeService{name: "agg", trace: tr}}

	sup := New()
	sup.AddWatched("agg", svc, svc.watch)
	require.NoError(t, sup.Start(context.Background()))

	svc.die()

	require.Eventually(t, func() bool {
		events := tr.list()
		return len(events) >= 3 && events[len(events)-1] == "start:agg"
	}, 2*time.Second, 10*time.Millisecond, "expected stop+start after self-termination")

	require.NoError(t, sup.Stop(context.Background()))
}
