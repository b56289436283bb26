// Package pipeline drives queued word count jobs to a terminal state.
//
// Each delivery runs through decode, lookup, fetch and execute stages. Input
// that cannot be tied to a stored job is discarded. Failures after the job
// has been loaded are written to the job as FAIL. Every delivery is acked
// exactly once, after the store writes, whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-wordcounter/internal/bus"
	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
	"github.com/tendant/simple-wordcounter/internal/metrics"
	"github.com/tendant/simple-wordcounter/internal/store"
	"github.com/tendant/simple-wordcounter/pkg/schema"
)

type Queue interface {
	Consume(ctx context.Context, h bus.Handler) error
}

type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Fetch(ctx context.Context, id string) (*job.Job, error)
	Complete(ctx context.Context, id string, wc histogram.Histogram) (*job.Job, error)
	Fail(ctx context.Context, id string, msg string) (*job.Job, error)
}

type Extractor interface {
	Text(ctx context.Context, url string) (string, error)
}

// Notifier publishes JobDone events. Publishing is best effort.
type Notifier interface {
	PublishJSON(subject string, v any) error
}

type Deps struct {
	Queue     Queue
	Store     Store
	Extractor Extractor
	// Notifier and DoneSubject are optional; without both no events are sent.
	Notifier    Notifier
	DoneSubject string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// Heartbeat is how often a running job extends its ack deadline. It
	// must be shorter than the queue's ack wait; zero disables it.
	Heartbeat time.Duration
}

type Pipeline struct {
	queue       Queue
	store       Store
	extractor   Extractor
	notifier    Notifier
	doneSubject string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	heartbeat   time.Duration
}

func New(d Deps) *Pipeline {
	p := &Pipeline{
		queue:       d.Queue,
		store:       d.Store,
		extractor:   d.Extractor,
		notifier:    d.Notifier,
		doneSubject: d.DoneSubject,
		logger:      d.Logger,
		metrics:     d.Metrics,
		heartbeat:   d.Heartbeat,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.Nop()
	}
	return p
}

// Run consumes until ctx is cancelled or the queue connection fails.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("consuming jobs")
	return p.queue.Consume(ctx, p.HandleDelivery)
}

type resultKind int

const (
	resultDiscard resultKind = iota
	resultReady
	resultFailed
)

// result is what the stages hand to finish.
type result struct {
	kind    resultKind
	outcome metrics.Outcome // discards only
	jobID   string
	job     *job.Job
	wc      histogram.Histogram
	stage   schema.ProcessingStage
	err     error
	logger  *slog.Logger
}

func (r result) failed(stage schema.ProcessingStage, err error) result {
	r.kind = resultFailed
	r.stage = stage
	r.err = err
	r.wc = nil
	return r
}

// HandleDelivery processes one message and acks it. It never panics and
// never returns early without acking. Cancelling ctx does not interrupt a
// job that has started.
func (p *Pipeline) HandleDelivery(ctx context.Context, d bus.Delivery) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	stopHeartbeat := p.keepAlive(d)

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("panic while handling delivery", "panic", r)
			}
		}()
		p.finish(ctx, p.process(ctx, d.Data()), start)
	}()

	stopHeartbeat()
	if err := d.Ack(); err != nil {
		p.metrics.AckError()
		p.logger.Error("ack failed", "err", err)
	}
}

// keepAlive calls d.InProgress every heartbeat until the returned func is
// called, so a slow job is not redelivered to another worker.
func (p *Pipeline) keepAlive(d bus.Delivery) (stop func()) {
	if p.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := d.InProgress(); err != nil {
					p.logger.Warn("extend ack deadline failed", "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pipeline) process(ctx context.Context, body []byte) result {
	msg, err := schema.DecodeJobMessage(body)
	if err != nil {
		p.logger.Warn("discarding undecodable message",
			"stage", schema.StageDecode,
			"failure_type", schema.FailureTypeDiscarded,
			"err", err)
		return result{kind: resultDiscard, outcome: metrics.OutcomeDiscarded}
	}

	id := msg.JobID
	logger := p.logger.With("job_id", id)
	res := result{jobID: id, logger: logger}

	ok, err := p.store.Exists(ctx, id)
	switch {
	case errors.Is(err, store.ErrMalformedID):
		logger.Warn("discarding message with malformed job id",
			"stage", schema.StageLookup,
			"failure_type", schema.FailureTypeDiscarded,
			"err", err)
		res.kind, res.outcome = resultDiscard, metrics.OutcomeMalformedID
		return res
	case err != nil:
		logger.Error("job store unavailable, discarding message",
			"stage", schema.StageLookup,
			"failure_type", schema.FailureTypeUnavailable,
			"err", err)
		res.kind, res.outcome = resultDiscard, metrics.OutcomeUnavailable
		return res
	case !ok:
		logger.Warn("discarding message for unknown job",
			"stage", schema.StageLookup,
			"failure_type", schema.FailureTypeDiscarded)
		res.kind, res.outcome = resultDiscard, metrics.OutcomeNotFound
		return res
	}

	j, err := p.store.Fetch(ctx, id)
	if err != nil {
		return res.failed(schema.StageFetch, err)
	}
	res.job = j
	res.logger = logger.With("url", j.URL)

	wc, err := p.execute(ctx, j.URL)
	if err != nil {
		return res.failed(schema.StageExecute, err)
	}
	res.kind = resultReady
	res.wc = wc
	return res
}

// execute extracts the page text and counts it. A panic is returned as an
// error so the job still reaches FAIL.
func (p *Pipeline) execute(ctx context.Context, url string) (wc histogram.Histogram, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected error counting words: %v", r)
		}
	}()
	text, err := p.extractor.Text(ctx, url)
	if err != nil {
		return nil, err
	}
	return histogram.Build(text), nil
}

// finish performs the terminal store write for res: at most one COMPLETE
// write, then one FAIL write if anything went wrong.
func (p *Pipeline) finish(ctx context.Context, res result, start time.Time) {
	switch res.kind {
	case resultDiscard:
		p.metrics.Message(res.outcome)
		return
	case resultReady:
		done, err := p.store.Complete(ctx, res.jobID, res.wc)
		if err == nil {
			res.logger.Info("job completed",
				"total_words", res.wc.Total(),
				"distinct_words", len(res.wc),
				"duration", time.Since(start))
			p.metrics.Message(metrics.OutcomeCompleted)
			p.metrics.JobDuration(string(job.StatusComplete), time.Since(start))
			p.notify(done, res, start)
			return
		}
		res = res.failed(schema.StageComplete, err)
	}

	res.logger.Warn("job stage failed",
		"stage", res.stage,
		"failure_type", schema.FailureTypeStage,
		"err", res.err)

	failed, err := p.store.Fail(ctx, res.jobID, res.err.Error())
	if err != nil {
		res.logger.Error("could not record job failure",
			"stage", schema.StageFail,
			"failure_type", schema.FailureTypeUnrecoverable,
			"cause", res.err,
			"err", err)
		p.metrics.Message(metrics.OutcomeUnrecoverable)
		return
	}
	p.metrics.Message(metrics.OutcomeFailed)
	p.metrics.JobDuration(string(job.StatusFail), time.Since(start))
	p.notify(failed, res, start)
}

func (p *Pipeline) notify(j *job.Job, res result, start time.Time) {
	if p.notifier == nil || p.doneSubject == "" || j == nil {
		return
	}
	done := schema.JobDone{
		JobID:            j.ID,
		URL:              j.URL,
		Status:           j.Status.String(),
		TotalWords:       j.WordCount.Total(),
		DistinctWords:    len(j.WordCount),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if res.err != nil {
		done.Stage = res.stage
		done.Error = res.err.Error()
		done.FailureType = schema.FailureTypeStage
	}
	if err := p.notifier.PublishJSON(p.doneSubject, done); err != nil {
		res.logger.Error("publish result failed", "subject", p.doneSubject, "err", err)
	}
}
