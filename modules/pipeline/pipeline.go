// Package pipeline orchestrates full ingestion cycles: list new objects,
// download and parse them, and route the records to their Sentinel tables.
// The orchestrator is the only place the ingestor callback is bridged into
// the router, and the only owner of the last-processed-time watermark.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sentrypipe/sentrypipe/modules/ingestor"
	"github.com/sentrypipe/sentrypipe/modules/router"
	"github.com/sentrypipe/sentrypipe/pkg/model"
	"github.com/sentrypipe/sentrypipe/pkg/parser"
)

var (
	metricCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentrypipe",
		Name:      "pipeline_cycle_duration_seconds",
		Help:      "Time spent running one full ingestion cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	metricCycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "pipeline_cycle_errors_total",
		Help:      "Total cycles that failed before completing.",
	})
	metricWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentrypipe",
		Name:      "pipeline_watermark_timestamp_seconds",
		Help:      "Unix time of the last-processed-time cursor.",
	})
)

// CycleReport aggregates one RunOnce call.
type CycleReport struct {
	StartedAt     time.Time
	Duration      time.Duration
	Objects       int
	ObjectsFailed int
	Processed     int
	Failed        int
	Dropped       int
	BatchCount    int
	ParseErrors   int
	RateLimitWait time.Duration
	// Watermark is the cursor the cycle advanced to; zero when nothing was
	// processed.
	Watermark time.Time
}

// Pipeline composes the ingestor and router into a continuously running
// service.
type Pipeline struct {
	services.Service

	cfg    Config
	logger log.Logger

	ingestor *ingestor.Ingestor
	router   *router.Router
	parsers  *parser.Registry

	watermark *Watermark

	// cursor is the in-memory copy of the watermark; guarded by cursorMtx.
	cursorMtx sync.Mutex
	cursor    time.Time

	now func() time.Time
}

func New(cfg Config, ing *ingestor.Ingestor, rtr *router.Router, parsers *parser.Registry, logger log.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	parserName := cfg.ParserName
	if parserName == "" {
		parserName = cfg.LogType
	}
	if _, err := parsers.Get(parserName); err != nil {
		return nil, err
	}
	if _, err := rtr.Table(cfg.LogType); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		logger:    logger,
		ingestor:  ing,
		router:    rtr,
		parsers:   parsers,
		watermark: NewWatermark(cfg.WatermarkPath),
		now:       time.Now,
	}
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p, nil
}

func (p *Pipeline) starting(context.Context) error {
	cursor, err := p.watermark.Load()
	if err != nil {
		return err
	}
	p.cursor = cursor
	if !cursor.IsZero() {
		metricWatermark.Set(float64(cursor.Unix()))
		level.Info(p.logger).Log("msg", "resuming from watermark", "cursor", cursor.Format(time.RFC3339))
	}
	return nil
}

func (p *Pipeline) running(ctx context.Context) error {
	t := time.NewTicker(p.cfg.CycleInterval)
	defer t.Stop()

	for {
		p.cycle(ctx)

		select {
		case <-t.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// stopping waits for nothing extra: running() only returns once the in-flight
// cycle has unwound, and the service manager stops children afterwards.
func (p *Pipeline) stopping(error) error { return nil }

// cycle runs one bounded RunOnce against the configured bucket and the
// current cursor.
func (p *Pipeline) cycle(ctx context.Context) {
	cycleCtx := ctx
	if p.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, p.cfg.CycleTimeout)
		defer cancel()
	}

	p.cursorMtx.Lock()
	since := p.cursor
	p.cursorMtx.Unlock()

	report, err := p.RunOnce(cycleCtx, "", "", since)
	if err != nil {
		metricCycleErrors.Inc()
		if ctx.Err() == nil {
			level.Error(p.logger).Log("msg", "ingestion cycle failed", "err", err)
		}
		return
	}

	level.Info(p.logger).Log("msg", "ingestion cycle complete",
		"objects", report.Objects, "processed", report.Processed,
		"failed", report.Failed, "dropped", report.Dropped,
		"batches", report.BatchCount, "duration", report.Duration)
}

// RunOnce runs a single ingestion cycle. Empty bucket or prefix fall back to
// the ingestor's configured values. The watermark only advances after every
// routed batch has been acknowledged or diverted, so a crashed cycle replays
// its objects rather than losing them.
func (p *Pipeline) RunOnce(ctx context.Context, bucket, prefix string, since time.Time) (CycleReport, error) {
	report := CycleReport{StartedAt: p.now()}
	defer func(t time.Time) { metricCycleDuration.Observe(time.Since(t).Seconds()) }(report.StartedAt)

	parserName := p.cfg.ParserName
	if parserName == "" {
		parserName = p.cfg.LogType
	}
	prs, err := p.parsers.Get(parserName)
	if err != nil {
		return report, err
	}

	objects, err := p.ingestor.List(ctx, bucket, prefix, since, 0)
	if err != nil {
		return report, errors.Wrap(err, "listing objects")
	}
	report.Objects = len(objects)
	if len(objects) == 0 {
		return report, nil
	}

	var (
		routeMtx sync.Mutex
		routeErr error
	)
	callback := func(ctx context.Context, logType string, records []model.Record) error {
		res, err := p.router.Route(ctx, logType, records, p.cfg.Classification)

		routeMtx.Lock()
		defer routeMtx.Unlock()
		report.Processed += res.Processed
		report.Failed += res.Failed
		report.Dropped += res.Dropped
		report.BatchCount += res.BatchCount
		if err != nil && routeErr == nil {
			routeErr = err
		}
		return err
	}

	batch := p.ingestor.ProcessBatch(ctx, objects, prs, callback, p.cfg.LogType, 0)
	report.ObjectsFailed = len(batch.Failed)
	report.ParseErrors = batch.ParseErrors
	report.RateLimitWait = batch.RateLimitWait
	report.Duration = time.Since(report.StartedAt)

	if routeErr != nil {
		return report, routeErr
	}
	if ctx.Err() != nil {
		// Cancelled mid-cycle: leave the cursor so the next cycle replays.
		return report, ctx.Err()
	}

	// Advance to the newest modification time of the objects that made it
	// through, capped so failed objects stay ahead of the cursor and are
	// re-listed next cycle. ProcessBatch has returned, so every batch is
	// settled.
	cursor := cycleCursor(objects, batch.Succeeded, batch.Failed)
	if !cursor.IsZero() {
		if err := p.advance(cursor); err != nil {
			return report, err
		}
		report.Watermark = cursor
	}

	return report, nil
}

func (p *Pipeline) advance(cursor time.Time) error {
	p.cursorMtx.Lock()
	defer p.cursorMtx.Unlock()

	if !cursor.After(p.cursor) {
		return nil
	}
	if err := p.watermark.Store(cursor); err != nil {
		return errors.Wrap(err, "advancing watermark")
	}
	p.cursor = cursor
	metricWatermark.Set(float64(cursor.Unix()))
	return nil
}

// cycleCursor returns the watermark a cycle may advance to: the newest
// modification time among succeeded objects, capped just below the oldest
// failed object. The listing filter is a strict LastModified > cursor, so the
// cap keeps failed objects visible to the next cycle instead of silently
// skipping past them.
func cycleCursor(objects []ingestor.Object, succeeded, failed []string) time.Time {
	succeededKeys := make(map[string]struct{}, len(succeeded))
	for _, k := range succeeded {
		succeededKeys[k] = struct{}{}
	}
	failedKeys := make(map[string]struct{}, len(failed))
	for _, k := range failed {
		failedKeys[k] = struct{}{}
	}

	var latest, oldestFailed time.Time
	for _, obj := range objects {
		if _, ok := succeededKeys[obj.Key]; ok {
			if obj.LastModified.After(latest) {
				latest = obj.LastModified
			}
			continue
		}
		if _, ok := failedKeys[obj.Key]; ok {
			if oldestFailed.IsZero() || obj.LastModified.Before(oldestFailed) {
				oldestFailed = obj.LastModified
			}
		}
	}

	if !oldestFailed.IsZero() {
		if limit := oldestFailed.Add(-time.Nanosecond); limit.Before(latest) {
			latest = limit
		}
	}
	return latest
}
