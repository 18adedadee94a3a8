// Package ingestor discovers and downloads log objects from an S3-compatible
// object store and fans their bodies out to parsers.
package ingestor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/metrics"
	"github.com/sentrypipe/sentrypipe/pkg/model"
	"github.com/sentrypipe/sentrypipe/pkg/parser"
	"github.com/sentrypipe/sentrypipe/pkg/ratelimit"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

var (
	metricObjectsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "ingestor_objects_processed_total",
		Help:      "Objects processed by outcome.",
	}, []string{"outcome"})
	metricBytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "ingestor_bytes_downloaded_total",
		Help:      "Total bytes downloaded from the object store.",
	})
	metricParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "ingestor_parse_errors_total",
		Help:      "Records that failed to parse.",
	})
	metricDownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentrypipe",
		Name:      "ingestor_download_duration_seconds",
		Help:      "Time to download and decompress one object.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Object identifies one listed S3 object.
type Object struct {
	Bucket       string
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// BatchResult aggregates one ProcessBatch call.
type BatchResult struct {
	Succeeded     []string
	Failed        []string
	TotalFiles    int
	TotalBytes    int64
	ParseErrors   int
	Duration      time.Duration
	RateLimitWait time.Duration
}

// Callback receives the records parsed from one object.
type Callback func(ctx context.Context, logType string, records []model.Record) error

// Ingestor lists, downloads and parses objects. It is safe for concurrent
// use and holds no per-call state.
type Ingestor struct {
	services.Service

	cfg     Config
	logger  log.Logger
	core    *minio.Core
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	sink    metrics.Sink
}

func New(cfg Config, logger log.Logger, sink metrics.Sink) (*Ingestor, error) {
	if sink == nil {
		sink = metrics.NoopSink{}
	}

	core, err := createCore(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 core")
	}

	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = int(cfg.RateLimitPerSec)
		if burst < 1 {
			burst = 1
		}
	}

	i := &Ingestor{
		cfg:     cfg,
		logger:  logger,
		core:    core,
		limiter: ratelimit.New("s3", cfg.RateLimitPerSec, burst),
		breaker: breaker.New("s3", cfg.Breaker, logger),
		sink:    sink,
	}
	i.Service = services.NewIdleService(i.starting, i.stopping)
	return i, nil
}

func createCore(cfg Config) (*minio.Core, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey.String(),
				SessionToken:    cfg.SessionToken.String(),
			},
		},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{
			Client: &http.Client{Transport: http.DefaultTransport},
		},
	})

	transport, err := minio.DefaultTransport(!cfg.Insecure)
	if err != nil {
		return nil, errors.Wrap(err, "create minio.DefaultTransport")
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	opts := &minio.Options{
		Region:    cfg.Region,
		Secure:    !cfg.Insecure,
		Creds:     creds,
		Transport: transport,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	return minio.NewCore(cfg.Endpoint, opts)
}

// starting verifies the bucket is reachable before the pipeline begins
// scheduling cycles.
func (i *Ingestor) starting(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		MaxRetries: 5,
	})

	var err error
	for boff.Ongoing() {
		_, err = i.core.ListObjectsV2(i.cfg.Bucket, i.cfg.Prefix, "", "", "", 1)
		if err == nil {
			return nil
		}
		level.Warn(i.logger).Log("msg", "bucket probe failed; will retry", "bucket", i.cfg.Bucket, "err", err)
		boff.Wait()
	}
	if err == nil {
		err = boff.Err()
	}
	return errors.Wrapf(err, "bucket %s unreachable", i.cfg.Bucket)
}

func (i *Ingestor) stopping(error) error {
	return nil
}

// List returns the objects under bucket/prefix modified after since, filtered
// by the extension allow-list and glob patterns. Empty bucket or prefix fall
// back to the configured values. maxKeys <= 0 uses the configured page size.
func (i *Ingestor) List(ctx context.Context, bucket, prefix string, since time.Time, maxKeys int) ([]Object, error) {
	if bucket == "" {
		bucket = i.cfg.Bucket
	}
	if prefix == "" {
		prefix = i.cfg.Prefix
	}
	if maxKeys <= 0 {
		maxKeys = i.cfg.ListPageSize
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	var (
		objects           []Object
		continuationToken string
	)
	for {
		if err := i.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var page minio.ListBucketV2Result
		err := i.breaker.Execute(ctx, func(ctx context.Context) error {
			res := retry.Do(ctx, i.cfg.Retry, awsRetryable, func(context.Context) error {
				var listErr error
				page, listErr = i.core.ListObjectsV2(bucket, prefix, "", continuationToken, "", maxKeys)
				return listErr
			})
			return res.Err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing bucket %s", bucket)
		}

		for _, obj := range page.Contents {
			if !i.matches(obj.Key) {
				continue
			}
			if !since.IsZero() && !obj.LastModified.After(since) {
				continue
			}
			objects = append(objects, Object{
				Bucket:       bucket,
				Key:          obj.Key,
				Size:         obj.Size,
				LastModified: obj.LastModified,
				ETag:         obj.ETag,
			})
		}

		if !page.IsTruncated {
			break
		}
		continuationToken = page.NextContinuationToken
	}

	level.Debug(i.logger).Log("msg", "listed objects", "bucket", bucket, "prefix", prefix, "matched", len(objects))
	return objects, nil
}

func (i *Ingestor) matches(key string) bool {
	if len(i.cfg.FileExtensions) > 0 {
		matched := false
		for _, ext := range i.cfg.FileExtensions {
			if strings.HasSuffix(key, ext) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(i.cfg.AllowedGlobs) > 0 {
		for _, pattern := range i.cfg.AllowedGlobs {
			if ok, _ := path.Match(pattern, key); ok {
				return true
			}
		}
		return false
	}
	return true
}

// ProcessBatch downloads and parses objects through a bounded worker pool.
// Per-object failures are reported in the result, never raised. batchSize
// caps the number of objects taken from this call; the remainder is picked up
// by a later cycle. A nil callback skips routing.
func (i *Ingestor) ProcessBatch(ctx context.Context, objects []Object, p parser.Parser, callback Callback, logType string, batchSize int) BatchResult {
	start := time.Now()

	if batchSize <= 0 {
		batchSize = i.cfg.BatchSize
	}
	if batchSize > 0 && len(objects) > batchSize {
		objects = objects[:batchSize]
	}

	var (
		workers    = i.cfg.PoolSize()
		work       = make(chan Object)
		wg         sync.WaitGroup
		totalBytes = atomic.NewInt64(0)
		parseErrs  = atomic.NewInt64(0)
		waited     = atomic.NewDuration(0)
		mtx        sync.Mutex
		succeeded  []string
		failedKeys []string
	)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for obj := range work {
				size, errCount, err := i.processObject(ctx, obj, p, callback, logType, waited)
				totalBytes.Add(size)
				parseErrs.Add(int64(errCount))

				mtx.Lock()
				if err != nil {
					failedKeys = append(failedKeys, obj.Key)
				} else {
					succeeded = append(succeeded, obj.Key)
				}
				mtx.Unlock()

				if err != nil {
					if ctx.Err() != nil {
						continue
					}
					category := classifyAWS(err)
					metricObjectsProcessed.WithLabelValues("failure").Inc()
					i.sink.Observe("objects_failed", 1, map[string]string{"category": string(category)})
					level.Warn(i.logger).Log("msg", "failed to process object", "key", obj.Key, "category", category, "err", err)
					continue
				}
				metricObjectsProcessed.WithLabelValues("success").Inc()
			}
		}()
	}

	for _, obj := range objects {
		work <- obj
	}
	close(work)
	wg.Wait()

	metricParseErrors.Add(float64(parseErrs.Load()))

	return BatchResult{
		Succeeded:     succeeded,
		Failed:        failedKeys,
		TotalFiles:    len(objects),
		TotalBytes:    totalBytes.Load(),
		ParseErrors:   int(parseErrs.Load()),
		Duration:      time.Since(start),
		RateLimitWait: waited.Load(),
	}
}

func (i *Ingestor) processObject(ctx context.Context, obj Object, p parser.Parser, callback Callback, logType string, waited *atomic.Duration) (int64, int, error) {
	waitStart := time.Now()
	if err := i.limiter.Wait(ctx); err != nil {
		return 0, 0, err
	}
	waited.Add(time.Since(waitStart))

	downloadStart := time.Now()
	body, err := i.download(ctx, obj)
	if err != nil {
		return 0, 0, err
	}
	metricDownloadDuration.Observe(time.Since(downloadStart).Seconds())
	metricBytesDownloaded.Add(float64(len(body)))

	if err := validateContent(obj.Key, body); err != nil {
		return int64(len(body)), 0, err
	}

	records, parseErrs := p.Parse(body)
	if len(parseErrs) > 0 {
		level.Debug(i.logger).Log("msg", "parse errors in object", "key", obj.Key, "errors", len(parseErrs))
	}

	if callback != nil && len(records) > 0 {
		if err := callback(ctx, logType, records); err != nil {
			return int64(len(body)), len(parseErrs), errors.Wrap(err, "record callback")
		}
	}

	return int64(len(body)), len(parseErrs), nil
}

// download fetches the object body, transparently decompressing .gz keys.
func (i *Ingestor) download(ctx context.Context, obj Object) ([]byte, error) {
	var body []byte
	err := i.breaker.Execute(ctx, func(ctx context.Context) error {
		res := retry.Do(ctx, i.cfg.Retry, awsRetryable, func(ctx context.Context) error {
			downloadCtx := ctx
			if i.cfg.DownloadTimeout > 0 {
				var cancel context.CancelFunc
				downloadCtx, cancel = context.WithTimeout(ctx, i.cfg.DownloadTimeout)
				defer cancel()
			}

			reader, _, _, err := i.core.GetObject(downloadCtx, obj.Bucket, obj.Key, minio.GetObjectOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()

			var src io.Reader = reader
			if strings.HasSuffix(obj.Key, ".gz") {
				gz, gzErr := gzip.NewReader(reader)
				if gzErr != nil {
					return errors.Wrapf(gzErr, "decompressing %s", obj.Key)
				}
				defer gz.Close()
				src = gz
			}

			buf := bytes.NewBuffer(make([]byte, 0, obj.Size))
			if _, err := io.Copy(buf, src); err != nil {
				return errors.Wrapf(err, "reading %s", obj.Key)
			}
			body = buf.Bytes()
			return nil
		})
		return res.Err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// validateContent rejects objects whose body cannot possibly parse: JSON
// files must be well-formed JSON (or JSON lines), everything else must be
// non-empty.
func validateContent(key string, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.Errorf("object %s is empty", key)
	}

	name := strings.TrimSuffix(key, ".gz")
	if strings.HasSuffix(name, ".json") {
		if !jsonLike(body) {
			return errors.Errorf("object %s is not valid JSON", key)
		}
	}
	return nil
}

// jsonLike accepts a single JSON document or newline-delimited documents.
func jsonLike(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) {
		return true
	}
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return false
		}
	}
	return true
}
