// Package router prepares canonical records for their destination tables,
// packs them into capped batches and uploads them to the Sentinel data
// collection endpoint. Batches that cannot be delivered divert to a
// failed-batch sink for later replay.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/sentrypipe/sentrypipe/modules/router/sink"
	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/metrics"
	"github.com/sentrypipe/sentrypipe/pkg/model"
	"github.com/sentrypipe/sentrypipe/pkg/ratelimit"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

// ErrUnknownLogType is returned when no table config matches the log type.
var ErrUnknownLogType = errors.New("unknown log type")

var (
	metricRecordsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "router_records_total",
		Help:      "Records routed by table and outcome.",
	}, []string{"table", "outcome"})
	metricBatchesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "router_batches_total",
		Help:      "Sealed batches by table and outcome.",
	}, []string{"table", "outcome"})
	metricUploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentrypipe",
		Name:      "router_upload_duration_seconds",
		Help:      "Time to upload one batch.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"table"})
	metricBatchSizeBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentrypipe",
		Name:      "router_batch_size_bytes",
		Help:      "Serialized size of sealed batches.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	}, []string{"table"})
)

// RouteResult enumerates the outcome of one Route call.
type RouteResult struct {
	Processed  int
	Failed     int
	Dropped    int
	BatchCount int
	StartTime  time.Time
	// Skipped marks the distinguished empty-input result; no network call
	// was issued.
	Skipped bool
}

// Router owns all in-flight batches. Safe for concurrent Route calls.
type Router struct {
	services.Service

	cfg      Config
	logger   log.Logger
	sink     metrics.Sink
	failed   sink.Sink
	uploader *uploader
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter

	uploadPolicy retry.Policy

	tables map[string]*TableConfig

	seqMtx sync.Mutex
	seq    map[string]*atomic.Uint64

	// uploadSem bounds concurrently in-flight batches across all Route
	// calls.
	uploadSem chan struct{}

	now func() time.Time
}

func New(cfg Config, failedSink sink.Sink, tokens TokenProvider, logger log.Logger, msink metrics.Sink) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if msink == nil {
		msink = metrics.NoopSink{}
	}

	maxConcurrent := cfg.MaxConcurrentBatches
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	uploadPolicy := cfg.Retry
	if cfg.MaxRetries > 0 {
		uploadPolicy.MaxAttempts = cfg.MaxRetries + 1
	}

	tables := make(map[string]*TableConfig, len(cfg.Tables))
	seq := make(map[string]*atomic.Uint64, len(cfg.Tables))
	for i := range cfg.Tables {
		t := &cfg.Tables[i]
		tables[t.Name] = t
		seq[t.Name] = atomic.NewUint64(0)
	}

	r := &Router{
		cfg:          cfg,
		logger:       logger,
		sink:         msink,
		failed:       failedSink,
		uploader:     newUploader(cfg, tokens),
		breaker:      breaker.New("sentinel", cfg.Breaker, logger),
		limiter:      ratelimit.New("sentinel", cfg.RateLimitPerSec, burst),
		uploadPolicy: uploadPolicy,
		tables:       tables,
		seq:          seq,
		uploadSem:    make(chan struct{}, maxConcurrent),
		now:          time.Now,
	}
	r.Service = services.NewIdleService(r.starting, r.stopping)
	return r, nil
}

func (r *Router) starting(context.Context) error { return nil }

func (r *Router) stopping(error) error {
	// Route calls hold the semaphore while uploads are in flight; draining
	// it waits for them.
	for i := 0; i < cap(r.uploadSem); i++ {
		r.uploadSem <- struct{}{}
	}
	return nil
}

// Table returns the config for a log type.
func (r *Router) Table(logType string) (*TableConfig, error) {
	t, ok := r.tables[logType]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLogType, "%q", logType)
	}
	return t, nil
}

// Route prepares, packs and uploads records for one log type. Per-record and
// per-batch failures are absorbed into the result; the returned error is
// reserved for configuration problems.
func (r *Router) Route(ctx context.Context, logType string, records []model.Record, classification string) (RouteResult, error) {
	result := RouteResult{StartTime: r.now()}

	table, err := r.Table(logType)
	if err != nil {
		return result, err
	}
	if classification == "" {
		classification = r.cfg.DefaultClassification
	}

	if len(records) == 0 {
		result.Skipped = true
		return result, nil
	}

	prepared := make([]model.Record, 0, len(records))
	for _, rec := range records {
		p, reason := prepare(rec, table, r.now)
		if reason != dropNone {
			result.Dropped++
			r.dropRecord(table.Name, reason)
			continue
		}
		prepared = append(prepared, p)
	}

	correlationID := uuid.New().String()
	batches, packDropped := pack(table, prepared, correlationID, r.seq[table.Name].Inc, r.now)
	result.Dropped += packDropped
	for i := 0; i < packDropped; i++ {
		r.dropRecord(table.Name, dropPayloadTooLarge)
	}
	result.BatchCount = len(batches)

	var (
		wg        sync.WaitGroup
		processed = atomic.NewInt64(0)
		failed    = atomic.NewInt64(0)
	)
	for _, b := range batches {
		metricBatchSizeBytes.WithLabelValues(table.Name).Observe(float64(len(b.Payload)))

		select {
		case r.uploadSem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown unwinds without counting the batch as failed.
			continue
		}

		wg.Add(1)
		go func(b *Batch) {
			defer wg.Done()
			defer func() { <-r.uploadSem }()

			switch r.uploadBatch(ctx, table, b, classification) {
			case batchAcked:
				processed.Add(int64(b.Size()))
			case batchDiverted:
				failed.Add(int64(b.Size()))
			case batchCancelled:
			}
		}(b)
	}
	wg.Wait()

	result.Processed = int(processed.Load())
	result.Failed = int(failed.Load())

	metricRecordsRouted.WithLabelValues(table.Name, "processed").Add(float64(result.Processed))
	metricRecordsRouted.WithLabelValues(table.Name, "failed").Add(float64(result.Failed))

	level.Debug(r.logger).Log("msg", "route complete", "table", table.Name,
		"processed", result.Processed, "failed", result.Failed,
		"dropped", result.Dropped, "batches", result.BatchCount,
		"classification", classification, "correlation_id", correlationID)

	return result, nil
}

// Resubmit replays a diverted envelope through the same routing path.
// prepare is idempotent, so already-prepared records pass through unchanged.
func (r *Router) Resubmit(ctx context.Context, env *sink.Envelope) (RouteResult, error) {
	return r.Route(ctx, env.Table, env.Records, r.cfg.DefaultClassification)
}

func (r *Router) dropRecord(table string, reason dropReason) {
	metricRecordsRouted.WithLabelValues(table, "dropped").Inc()
	r.sink.Observe("records_dropped", 1, map[string]string{"table": table, "reason": string(reason)})
}

type batchOutcome int

const (
	batchAcked batchOutcome = iota
	batchDiverted
	batchCancelled
)

// uploadBatch pushes one sealed batch through the rate limiter, circuit
// breaker and retry helper. Undelivered batches are diverted to the
// failed-batch sink unless the caller's context fired.
func (r *Router) uploadBatch(ctx context.Context, table *TableConfig, b *Batch, classification string) batchOutcome {
	batchCtx := ctx
	if r.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, r.cfg.BatchTimeout)
		defer cancel()
	}

	if err := r.limiter.Wait(batchCtx); err != nil {
		if ctx.Err() != nil {
			return batchCancelled
		}
		r.divert(ctx, table, b, sinkError(err, 0))
		return batchDiverted
	}

	start := time.Now()
	var retryAfter time.Duration
	attempts := 0
	err := r.breaker.Execute(batchCtx, func(ctx context.Context) error {
		res := retry.Do(ctx, r.uploadPolicy, uploadRetryable, func(ctx context.Context) error {
			// Honor the server's Retry-After hint from the previous
			// attempt on top of the policy delay.
			if retryAfter > 0 {
				if err := sleepCtx(ctx, retryAfter); err != nil {
					return err
				}
				retryAfter = 0
			}

			err := r.uploader.upload(ctx, table.Stream, b.Payload)
			var httpErr *httpError
			if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
				retryAfter = httpErr.RetryAfter
			}
			return err
		})
		attempts = res.Attempts
		return res.Err
	})
	metricUploadDuration.WithLabelValues(table.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		metricBatchesUploaded.WithLabelValues(table.Name, "acknowledged").Inc()
		return batchAcked
	}

	if ctx.Err() != nil {
		// Cooperative shutdown: unwind without diverting.
		level.Info(r.logger).Log("msg", "upload cancelled", "table", table.Name, "batch", b.ID)
		return batchCancelled
	}

	r.divert(ctx, table, b, sinkError(err, attempts))
	return batchDiverted
}

type divertInfo struct {
	category string
	message  string
	attempts int
}

func sinkError(err error, attempts int) divertInfo {
	info := divertInfo{message: err.Error(), attempts: attempts}
	if info.attempts == 0 {
		info.attempts = 1
	}
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		info.category = "circuit-open"
	case errors.Is(err, ratelimit.ErrWaitCancelled):
		info.category = "cancelled"
	default:
		info.category = categorize(err)
	}
	return info
}

// divert persists the failed batch. Sink failures are logged; the batch is
// counted failed either way.
func (r *Router) divert(ctx context.Context, table *TableConfig, b *Batch, info divertInfo) {
	metricBatchesUploaded.WithLabelValues(table.Name, "diverted").Inc()
	r.sink.Observe("batches_diverted", 1, map[string]string{"table": table.Name, "category": info.category})

	env := &sink.Envelope{
		BatchID:       b.ID,
		Table:         b.Table,
		SealedAt:      b.SealedAt,
		ErrorCategory: info.category,
		ErrorMessage:  info.message,
		AttemptCount:  info.attempts,
		CorrelationID: b.CorrelationID,
		Records:       sink.Redact(b.Records, table.RedactionAllowList),
	}

	// Use a fresh context so divert still succeeds during shutdown.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := r.failed.Store(storeCtx, env); err != nil {
		level.Error(r.logger).Log("msg", "failed to persist diverted batch", "table", table.Name,
			"batch", b.ID, "err", err)
		return
	}
	level.Warn(r.logger).Log("msg", "batch diverted to failed-batch sink", "table", table.Name,
		"batch", b.ID, "category", info.category, "attempts", info.attempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
