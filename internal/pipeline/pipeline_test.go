package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-wordcounter/internal/bus"
	"github.com/tendant/simple-wordcounter/internal/extract"
	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
	"github.com/tendant/simple-wordcounter/internal/metrics"
	"github.com/tendant/simple-wordcounter/internal/store/storetest"
	"github.com/tendant/simple-wordcounter/pkg/schema"
)

type fakeDelivery struct {
	body   []byte
	acks   int
	ackErr error

	mu         sync.Mutex
	inProgress int
	touched    chan struct{}
}

func (d *fakeDelivery) Data() []byte { return d.body }

func (d *fakeDelivery) InProgress() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inProgress++
	if d.touched != nil && d.inProgress == 1 {
		close(d.touched)
	}
	return nil
}

func (d *fakeDelivery) inProgressCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inProgress
}

func (d *fakeDelivery) Ack() error {
	d.acks++
	return d.ackErr
}

func deliveryFor(id string) *fakeDelivery {
	return &fakeDelivery{body: []byte(fmt.Sprintf(`{"job_id": %q}`, id))}
}

type fakeExtractor struct {
	text   string
	err    error
	panics bool
	calls  int
	ctxErr error
	// wait blocks Text until it is closed.
	wait <-chan struct{}
}

func (e *fakeExtractor) Text(ctx context.Context, _ string) (string, error) {
	e.calls++
	e.ctxErr = ctx.Err()
	if e.wait != nil {
		select {
		case <-e.wait:
		case <-time.After(5 * time.Second):
			return "", errors.New("timed out waiting")
		}
	}
	if e.panics {
		var m map[string]int
		m["boom"]++
	}
	return e.text, e.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []schema.JobDone
	err    error
}

func (n *fakeNotifier) PublishJSON(subject string, v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if subject != "wordcount.done" {
		return fmt.Errorf("unexpected subject %s", subject)
	}
	n.events = append(n.events, v.(schema.JobDone))
	return n.err
}

type harness struct {
	store     *storetest.Memory
	extractor *fakeExtractor
	notifier  *fakeNotifier
	registry  *prometheus.Registry
	pipeline  *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     storetest.NewMemory(),
		extractor: &fakeExtractor{text: "hello nate nate"},
		notifier:  &fakeNotifier{},
		registry:  prometheus.NewRegistry(),
	}
	h.pipeline = New(Deps{
		Store:       h.store,
		Extractor:   h.extractor,
		Notifier:    h.notifier,
		DoneSubject: "wordcount.done",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     metrics.New(h.registry),
	})
	return h
}

func (h *harness) seed(t *testing.T) string {
	t.Helper()
	j, err := h.store.Create(context.Background(), "https://nate.tech")
	require.NoError(t, err)
	return j.ID
}

func (h *harness) assertOutcome(t *testing.T, outcome string) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP wordcount_messages_total Queue messages handled, by outcome.
# TYPE wordcount_messages_total counter
wordcount_messages_total{outcome=%q} 1
`, outcome)
	require.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "wordcount_messages_total"))
}

func TestHandleDeliveryCompletesJob(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)
	d := deliveryFor(id)

	h.pipeline.HandleDelivery(context.Background(), d)

	assert.Equal(t, 1, d.acks)
	got, ok := h.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, job.StatusComplete, got.Status)
	assert.Equal(t, histogram.Histogram{"hello": 1, "nate": 2}, got.WordCount)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, h.store.Completes)
	assert.Equal(t, 0, h.store.Fails)
	h.assertOutcome(t, "completed")

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.Equal(t, id, ev.JobID)
	assert.Equal(t, "COMPLETE", ev.Status)
	assert.Equal(t, 3, ev.TotalWords)
	assert.Equal(t, 2, ev.DistinctWords)
	assert.Empty(t, ev.Error)
}

func TestHandleDeliveryDiscardsUndecodableMessages(t *testing.T) {
	bodies := []string{
		"not valid json",
		"",
		"[]",
		`{}`,
		`{"job_id": ""}`,
		`{"url": "https://nate.tech"}`,
		"\xff\xfe",
		"{\"job_id\":\"\xff\"}",
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t)
			d := &fakeDelivery{body: []byte(body)}

			h.pipeline.HandleDelivery(context.Background(), d)

			assert.Equal(t, 1, d.acks)
			assert.Equal(t, 0, h.store.Fetches)
			assert.Equal(t, 0, h.store.Writes())
			assert.Equal(t, 0, h.extractor.calls)
			assert.Empty(t, h.notifier.events)
			h.assertOutcome(t, "discarded")
		})
	}
}

func TestHandleDeliveryDiscardsLookupFailures(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		setup   func(*storetest.Memory)
		outcome string
	}{
		{name: "malformed id", id: "not-a-uuid", outcome: "malformed_id"},
		{
			name:    "store unavailable",
			id:      uuid.NewString(),
			setup:   func(m *storetest.Memory) { m.ExistsErr = errors.New("connection refused") },
			outcome: "store_unavailable",
		},
		{name: "unknown job", id: uuid.NewString(), outcome: "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t)
			if tt.setup != nil {
				tt.setup(h.store)
			}
			d := deliveryFor(tt.id)

			h.pipeline.HandleDelivery(context.Background(), d)

			assert.Equal(t, 1, d.acks)
			assert.Equal(t, 0, h.store.Fetches)
			assert.Equal(t, 0, h.store.Writes())
			assert.Equal(t, 0, h.extractor.calls)
			h.assertOutcome(t, tt.outcome)
		})
	}
}

func TestHandleDeliveryStageFailuresMarkJobFailed(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*harness)
		wantErr string
	}{
		{
			name:    "fetch error",
			setup:   func(h *harness) { h.store.FetchErr = errors.New("decode job: bad status") },
			wantErr: "decode job: bad status",
		},
		{
			name: "extraction error",
			setup: func(h *harness) {
				h.extractor.err = &extract.Error{URL: "https://nate.tech", StatusCode: 505}
			},
			wantErr: "unable to scrape https://nate.tech: HTTP status 505",
		},
		{
			name:    "complete write error",
			setup:   func(h *harness) { h.store.CompleteErr = errors.New("write conflict") },
			wantErr: "write conflict",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := h.seed(t)
			tt.setup(h)
			d := deliveryFor(id)

			h.pipeline.HandleDelivery(context.Background(), d)

			assert.Equal(t, 1, d.acks)
			got, ok := h.store.Get(id)
			require.True(t, ok)
			assert.Equal(t, job.StatusFail, got.Status)
			assert.Equal(t, tt.wantErr, got.Error)
			assert.Nil(t, got.WordCount)
			assert.Equal(t, 1, h.store.Fails)
			h.assertOutcome(t, "failed")

			require.Len(t, h.notifier.events, 1)
			assert.Equal(t, "FAIL", h.notifier.events[0].Status)
			assert.Equal(t, tt.wantErr, h.notifier.events[0].Error)
			assert.Equal(t, schema.FailureTypeStage, h.notifier.events[0].FailureType)
		})
	}
}

func TestHandleDeliveryCompleteErrorWritesTwice(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)
	h.store.CompleteErr = errors.New("write conflict")

	h.pipeline.HandleDelivery(context.Background(), deliveryFor(id))

	assert.Equal(t, 1, h.store.Completes)
	assert.Equal(t, 1, h.store.Fails)
	assert.Equal(t, schema.StageComplete, h.notifier.events[0].Stage)
}

func TestHandleDeliveryRecoversExtractorPanic(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)
	h.extractor.panics = true
	d := deliveryFor(id)

	assert.NotPanics(t, func() { h.pipeline.HandleDelivery(context.Background(), d) })

	assert.Equal(t, 1, d.acks)
	got, _ := h.store.Get(id)
	assert.Equal(t, job.StatusFail, got.Status)
	assert.Contains(t, got.Error, "unexpected error counting words")
}

func TestHandleDeliveryFailWriteErrorIsUnrecoverable(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)
	h.extractor.err = errors.New("unable to scrape")
	h.store.FailErr = errors.New("store down")
	d := deliveryFor(id)

	assert.NotPanics(t, func() { h.pipeline.HandleDelivery(context.Background(), d) })

	assert.Equal(t, 1, d.acks)
	got, _ := h.store.Get(id)
	assert.Equal(t, job.StatusInProgress, got.Status)
	assert.Empty(t, h.notifier.events)
	h.assertOutcome(t, "unrecoverable")
}

func TestHandleDeliveryAckErrorIsLogged(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)
	d := deliveryFor(id)
	d.ackErr = errors.New("nats: connection closed")

	assert.NotPanics(t, func() { h.pipeline.HandleDelivery(context.Background(), d) })
	assert.Equal(t, 1, d.acks)
	got, _ := h.store.Get(id)
	assert.Equal(t, job.StatusComplete, got.Status)
}

func TestHandleDeliveryNotifierErrorDoesNotAffectJob(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)
	h.notifier.err = errors.New("publish failed")
	d := deliveryFor(id)

	h.pipeline.HandleDelivery(context.Background(), d)

	assert.Equal(t, 1, d.acks)
	got, _ := h.store.Get(id)
	assert.Equal(t, job.StatusComplete, got.Status)
}

func TestHandleDeliveryIgnoresCancellation(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.pipeline.HandleDelivery(ctx, deliveryFor(id))

	assert.NoError(t, h.extractor.ctxErr)
	got, _ := h.store.Get(id)
	assert.Equal(t, job.StatusComplete, got.Status)
}

func TestHandleDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t)

	h.pipeline.HandleDelivery(context.Background(), deliveryFor(id))
	h.pipeline.HandleDelivery(context.Background(), deliveryFor(id))

	got, _ := h.store.Get(id)
	assert.Equal(t, job.StatusComplete, got.Status)
	assert.Equal(t, histogram.Histogram{"hello": 1, "nate": 2}, got.WordCount)
}

func TestHandleDeliveryExtendsAckDeadlineWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.pipeline.heartbeat = time.Millisecond
	id := h.seed(t)
	d := deliveryFor(id)
	d.touched = make(chan struct{})
	h.extractor.wait = d.touched

	h.pipeline.HandleDelivery(context.Background(), d)

	assert.Equal(t, 1, d.acks)
	assert.GreaterOrEqual(t, d.inProgressCalls(), 1)
	got, _ := h.store.Get(id)
	assert.Equal(t, job.StatusComplete, got.Status)

	after := d.inProgressCalls()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, d.inProgressCalls(), "heartbeat must stop once the delivery is acked")
}

func TestHandleDeliveryWithoutHeartbeatNeverExtends(t *testing.T) {
	h := newHarness(t)
	d := deliveryFor(h.seed(t))

	h.pipeline.HandleDelivery(context.Background(), d)

	assert.Equal(t, 0, d.inProgressCalls())
}

const samplePage = `<html><head><title>a</title><style>ignored</style></head>` +
	`<body><h1>b</h1><p>c</p><a href="https://x">d "e"?</a><script>ignored</script></body></html>`

func TestPipelineEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusHTTPVersionNotSupported)
			return
		}
		_, _ = io.WriteString(w, samplePage)
	}))
	defer srv.Close()

	mem := storetest.NewMemory()
	p := New(Deps{
		Store:     mem,
		Extractor: extract.New(extract.Options{}),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()

	ok, err := mem.Create(ctx, srv.URL+"/page")
	require.NoError(t, err)
	broken, err := mem.Create(ctx, srv.URL+"/broken")
	require.NoError(t, err)

	p.HandleDelivery(ctx, deliveryFor(ok.ID))
	p.HandleDelivery(ctx, deliveryFor(broken.ID))

	done, _ := mem.Get(ok.ID)
	assert.Equal(t, job.StatusComplete, done.Status)
	assert.Equal(t, histogram.Histogram{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}, done.WordCount)

	failed, _ := mem.Get(broken.ID)
	assert.Equal(t, job.StatusFail, failed.Status)
	assert.Contains(t, failed.Error, srv.URL+"/broken")
	assert.Contains(t, failed.Error, "505")
}

type fakeQueue struct {
	deliveries []bus.Delivery
	err        error
}

func (q *fakeQueue) Consume(ctx context.Context, h bus.Handler) error {
	for _, d := range q.deliveries {
		h(ctx, d)
	}
	return q.err
}

func TestRunHandsEveryDeliveryToPipeline(t *testing.T) {
	h := newHarness(t)
	first, second := h.seed(t), h.seed(t)
	d1, d2, junk := deliveryFor(first), deliveryFor(second), &fakeDelivery{body: []byte("junk")}
	connErr := errors.New("nats: connection closed")
	h.pipeline.queue = &fakeQueue{deliveries: []bus.Delivery{d1, junk, d2}, err: connErr}

	err := h.pipeline.Run(context.Background())

	assert.ErrorIs(t, err, connErr)
	for _, d := range []*fakeDelivery{d1, d2, junk} {
		assert.Equal(t, 1, d.acks)
	}
	got, _ := h.store.Get(second)
	assert.Equal(t, job.StatusComplete, got.Status)
}
