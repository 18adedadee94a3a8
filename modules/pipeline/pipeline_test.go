package pipeline

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrypipe/sentrypipe/modules/ingestor"
	"github.com/sentrypipe/sentrypipe/modules/router"
	"github.com/sentrypipe/sentrypipe/modules/router/sink"
	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/parser"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

const testBucket = "pipeline-bucket"

// fakeS3 serves a minimal path-style S3 API backed by an in-memory map.
type fakeS3 struct {
	mtx      sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, modified: map[string]time.Time{}}
}

func (f *fakeS3) put(key string, body []byte, modified time.Time) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.objects[key] = body
	f.modified[key] = modified
}

func (f *fakeS3) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("list-type") == "2" {
			f.list(w, r)
			return
		}

		key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
		f.mtx.Lock()
		body, ok := f.objects[key]
		modified := f.modified[key]
		f.mtx.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code></Error>`)
			return
		}
		w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
		w.Header().Set("ETag", `"`+key+`"`)
		_, _ = w.Write(body)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	f.mtx.Lock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var contents strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&contents,
			"<Contents><Key>%s</Key><LastModified>%s</LastModified><ETag>&quot;%s&quot;</ETag><Size>%d</Size></Contents>",
			k, f.modified[k].UTC().Format("2006-01-02T15:04:05.000Z"), k, len(f.objects[k]))
	}
	f.mtx.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>%s</ListBucketResult>`,
		testBucket, prefix, len(keys), contents.String())
}

// fakeDCR scripts upload responses; the final status repeats forever.
type fakeDCR struct {
	mtx      sync.Mutex
	statuses []int
	requests int
}

func (f *fakeDCR) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		f.mtx.Lock()
		status := http.StatusNoContent
		if len(f.statuses) > 0 {
			status = f.statuses[0]
			if len(f.statuses) > 1 {
				f.statuses = f.statuses[1:]
			}
		}
		f.requests++
		f.mtx.Unlock()
		w.WriteHeader(status)
	}
}

type staticTokens string

func (s staticTokens) Get(context.Context, string, bool) (string, error) {
	return string(s), nil
}

// memorySink collects diverted envelopes.
type memorySink struct {
	mtx  sync.Mutex
	envs []*sink.Envelope
}

func (m *memorySink) Store(_ context.Context, env *sink.Envelope) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

func (m *memorySink) List(context.Context, time.Time) ([]*sink.Envelope, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]*sink.Envelope(nil), m.envs...), nil
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type testHarness struct {
	s3       *fakeS3
	dcr      *fakeDCR
	failed   *memorySink
	pipeline *Pipeline
}

func newHarness(t *testing.T, dcrStatuses []int, watermarkPath string) *testHarness {
	t.Helper()
	f := flag.NewFlagSet("", flag.PanicOnError)

	s3 := newFakeS3()
	s3srv := httptest.NewServer(s3.handler())
	t.Cleanup(s3srv.Close)

	dcr := &fakeDCR{statuses: dcrStatuses}
	dcrsrv := httptest.NewServer(dcr.handler())
	t.Cleanup(dcrsrv.Close)

	var ingCfg ingestor.Config
	ingCfg.RegisterFlagsAndApplyDefaults("test.ingestor", f)
	ingCfg.Bucket = testBucket
	ingCfg.Prefix = "logs/"
	ingCfg.Endpoint = strings.TrimPrefix(s3srv.URL, "http://")
	// A fixed region keeps the client from probing bucket location, which
	// the fake server does not implement.
	ingCfg.Region = "us-east-1"
	ingCfg.AccessKey = "test-access"
	_ = ingCfg.SecretKey.Set("test-secret")
	ingCfg.Insecure = true
	ingCfg.ForcePathStyle = true
	ingCfg.RateLimitPerSec = 10000
	ingCfg.RateLimitBurst = 10000
	ingCfg.Retry = retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
	ingCfg.Breaker = breaker.Config{FailureThreshold: 1000, MinCallsBeforeOpen: 100000}

	ing, err := ingestor.New(ingCfg, log.NewNopLogger(), nil)
	require.NoError(t, err)

	var rtrCfg router.Config
	rtrCfg.RegisterFlagsAndApplyDefaults("test.router", f)
	rtrCfg.DCEEndpoint = dcrsrv.URL
	rtrCfg.DCRImmutableID = "dcr-test"
	rtrCfg.CompressUploads = false
	rtrCfg.RateLimitPerSec = 10000
	rtrCfg.RateLimitBurst = 10000
	rtrCfg.MaxRetries = 3
	rtrCfg.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
	rtrCfg.Breaker = breaker.Config{FailureThreshold: 1000, MinCallsBeforeOpen: 100000}
	rtrCfg.Tables = []router.TableConfig{{
		Name:           "firewall",
		RequiredFields: []string{"SourceIP", "Action"},
	}}

	failed := &memorySink{}
	rtr, err := router.New(rtrCfg, failed, staticTokens("tok"), log.NewNopLogger(), nil)
	require.NoError(t, err)

	registry := parser.NewRegistry()
	var fwCfg parser.FirewallConfig
	fwCfg.RegisterFlagsAndApplyDefaults("", f)
	fw, err := parser.NewFirewall(fwCfg)
	require.NoError(t, err)
	registry.Register("firewall", fw)

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("test.pipeline", f)
	cfg.LogType = "firewall"
	cfg.WatermarkPath = watermarkPath

	p, err := New(cfg, ing, rtr, registry, log.NewNopLogger())
	require.NoError(t, err)

	return &testHarness{s3: s3, dcr: dcr, failed: failed, pipeline: p}
}

func firewallLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("2025-01-01T10:00:%02dZ|10.0.0.%d|192.168.1.5|443|51820|TCP|ALLOW|100", i, i+1)
	}
	return lines
}

func TestRunOnceIngestsGzippedFirewallLog(t *testing.T) {
	h := newHarness(t, nil, "")

	body := strings.Join(firewallLines(5), "\n")
	h.s3.put("logs/fw-2025-01-01.gz", gzipBytes(t, []byte(body)), time.Now().UTC())

	report, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Objects)
	assert.Equal(t, 5, report.Processed)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Dropped)
	assert.Equal(t, 1, report.BatchCount)
}

func TestRunOnceCountsParseRejects(t *testing.T) {
	h := newHarness(t, nil, "")

	lines := firewallLines(5)
	// Blank out the action on one record; the parser rejects the line.
	lines[2] = strings.Replace(lines[2], "ALLOW", "", 1)
	h.s3.put("logs/fw.gz", gzipBytes(t, []byte(strings.Join(lines, "\n"))), time.Now().UTC())

	report, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 1, report.ParseErrors)
}

func TestRunOnceDivertsOnPersistentUploadFailure(t *testing.T) {
	h := newHarness(t, []int{500}, "")

	body := strings.Join(firewallLines(3), "\n")
	h.s3.put("logs/fw.gz", gzipBytes(t, []byte(body)), time.Now().UTC())

	report, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.NoError(t, err)

	assert.Zero(t, report.Processed)
	assert.Equal(t, 3, report.Failed)

	envs, err := h.failed.List(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "transient-transport", envs[0].ErrorCategory)
	assert.Equal(t, 4, envs[0].AttemptCount)
}

func TestRunOnceEmptyBucket(t *testing.T) {
	h := newHarness(t, nil, "")

	report, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.Objects)
	assert.Zero(t, report.Processed)
}

func TestRunOnceAdvancesWatermark(t *testing.T) {
	watermarkPath := filepath.Join(t.TempDir(), "watermark")
	h := newHarness(t, nil, watermarkPath)

	modified := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	h.s3.put("logs/fw.gz", gzipBytes(t, []byte(strings.Join(firewallLines(2), "\n"))), modified)

	report, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.NoError(t, err)
	assert.True(t, modified.Equal(report.Watermark))

	cursor, err := NewWatermark(watermarkPath).Load()
	require.NoError(t, err)
	assert.True(t, modified.Equal(cursor))

	// A second cycle from the stored cursor finds nothing new.
	report, err = h.pipeline.RunOnce(context.Background(), "", "", cursor)
	require.NoError(t, err)
	assert.Zero(t, report.Objects)
}

func TestWatermarkHeldBelowFailedObject(t *testing.T) {
	watermarkPath := filepath.Join(t.TempDir(), "watermark")
	h := newHarness(t, nil, watermarkPath)

	oldModified := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	newModified := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	// The empty body fails content validation, so the older object never
	// settles while the newer one succeeds.
	h.s3.put("logs/fw-old.gz", gzipBytes(t, nil), oldModified)
	h.s3.put("logs/fw-new.gz", gzipBytes(t, []byte(strings.Join(firewallLines(2), "\n"))), newModified)

	report, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ObjectsFailed)
	assert.Equal(t, 2, report.Processed)

	// The cursor stops short of the failed object instead of jumping to the
	// newer success.
	cursor, err := NewWatermark(watermarkPath).Load()
	require.NoError(t, err)
	assert.True(t, cursor.Before(oldModified))

	// The next cycle lists the failed object again.
	report, err = h.pipeline.RunOnce(context.Background(), "", "", cursor)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Objects)
	assert.Equal(t, 1, report.ObjectsFailed)
}

func TestWatermarkAdvancesAfterDivert(t *testing.T) {
	watermarkPath := filepath.Join(t.TempDir(), "watermark")
	h := newHarness(t, []int{500}, watermarkPath)

	modified := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	h.s3.put("logs/fw.gz", gzipBytes(t, []byte(strings.Join(firewallLines(2), "\n"))), modified)

	_, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.NoError(t, err)

	// All records diverted durably, so the object still counts as settled
	// and the cursor advances: a replay would only re-divert them.
	cursor, err := NewWatermark(watermarkPath).Load()
	require.NoError(t, err)
	assert.True(t, modified.Equal(cursor))
}

func TestRunOnceUnknownLogType(t *testing.T) {
	h := newHarness(t, nil, "")
	h.pipeline.cfg.LogType = "syslog"
	h.pipeline.cfg.ParserName = ""

	_, err := h.pipeline.RunOnce(context.Background(), "", "", time.Time{})
	require.ErrorIs(t, err, parser.ErrUnsupportedLogType)
}
