package ingestor

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/model"
	"github.com/sentrypipe/sentrypipe/pkg/parser"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

const testBucket = "test-bucket"

// fakeS3 serves a minimal path-style S3 API: ListObjectsV2 and GetObject.
type fakeS3 struct {
	mtx      sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  map[string][]byte{},
		modified: map[string]time.Time{},
	}
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
		f.get(w, r)
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
			"<Contents><Key>%s</Key><LastModified>%s</LastModified><ETag>&quot;%s&quot;</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>",
			k, f.modified[k].UTC().Format("2006-01-02T15:04:05.000Z"), k, len(f.objects[k]))
	}
	f.mtx.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>%s</ListBucketResult>`,
		testBucket, prefix, len(keys), contents.String())
}

func (f *fakeS3) get(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")

	f.mtx.Lock()
	body, ok := f.objects[key]
	modified := f.modified[key]
	f.mtx.Unlock()

	if !ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key></Error>`, key)
		return
	}

	w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", `"`+key+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

func testIngestorConfig(endpoint string) Config {
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("test", flag.NewFlagSet("", flag.PanicOnError))

	cfg.Bucket = testBucket
	cfg.Endpoint = strings.TrimPrefix(endpoint, "http://")
	// A fixed region keeps the client from probing bucket location, which
	// the fake server does not implement.
	cfg.Region = "us-east-1"
	cfg.AccessKey = "test-access"
	_ = cfg.SecretKey.Set("test-secret")
	cfg.Insecure = true
	cfg.ForcePathStyle = true
	cfg.RateLimitPerSec = 10000
	cfg.RateLimitBurst = 10000
	cfg.Retry = retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
	cfg.Breaker = breaker.Config{FailureThreshold: 1000, MinCallsBeforeOpen: 100000}
	return cfg
}

func newTestIngestor(t *testing.T, cfg Config) *Ingestor {
	t.Helper()
	i, err := New(cfg, log.NewNopLogger(), nil)
	require.NoError(t, err)
	return i
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

func TestListFiltersByExtensionAndPrefix(t *testing.T) {
	s3 := newFakeS3()
	modified := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	s3.put("logs/fw-1.json", []byte(`{"a":1}`), modified)
	s3.put("logs/fw-2.gz", []byte("x"), modified)
	s3.put("logs/readme.txt", []byte("skip me"), modified)
	s3.put("other/fw-3.json", []byte(`{"a":1}`), modified)

	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	i := newTestIngestor(t, testIngestorConfig(srv.URL))

	objects, err := i.List(context.Background(), testBucket, "logs/", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "logs/fw-1.json", objects[0].Key)
	assert.Equal(t, "logs/fw-2.gz", objects[1].Key)
	assert.True(t, modified.Equal(objects[0].LastModified))
}

func TestListFiltersBySince(t *testing.T) {
	s3 := newFakeS3()
	s3.put("logs/old.json", []byte(`{}`), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s3.put("logs/new.json", []byte(`{}`), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	i := newTestIngestor(t, testIngestorConfig(srv.URL))

	objects, err := i.List(context.Background(), testBucket, "logs/", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 0)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "logs/new.json", objects[0].Key)
}

func TestListHonorsGlobs(t *testing.T) {
	s3 := newFakeS3()
	modified := time.Now().UTC().Truncate(time.Second)
	s3.put("logs/fw-2025.json", []byte(`{}`), modified)
	s3.put("logs/db-2025.json", []byte(`{}`), modified)

	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	cfg := testIngestorConfig(srv.URL)
	cfg.AllowedGlobs = []string{"logs/fw-*.json"}

	i := newTestIngestor(t, cfg)

	objects, err := i.List(context.Background(), testBucket, "logs/", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "logs/fw-2025.json", objects[0].Key)
}

func TestProcessBatchDownloadsAndParses(t *testing.T) {
	lines := "{\"user\":\"alice\"}\n{\"user\":\"bob\"}\n{\"user\":\"carol\"}"

	s3 := newFakeS3()
	modified := time.Now().UTC().Truncate(time.Second)
	s3.put("logs/users-1.json", []byte(lines), modified)
	s3.put("logs/users-2.json.gz", gzipBytes(t, []byte(lines)), modified)

	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	i := newTestIngestor(t, testIngestorConfig(srv.URL))

	objects, err := i.List(context.Background(), testBucket, "logs/", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, objects, 2)

	var (
		mtx     sync.Mutex
		records []model.Record
	)
	callback := func(_ context.Context, logType string, recs []model.Record) error {
		require.Equal(t, "json", logType)
		mtx.Lock()
		records = append(records, recs...)
		mtx.Unlock()
		return nil
	}

	result := i.ProcessBatch(context.Background(), objects, parser.NewJSON(parser.JSONSchema{}, ""), callback, "json", 0)

	assert.Len(t, result.Succeeded, 2)
	assert.Empty(t, result.Failed)
	assert.Zero(t, result.ParseErrors)
	assert.Len(t, records, 6)
}

func TestProcessBatchReportsMissingObject(t *testing.T) {
	s3 := newFakeS3()
	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	i := newTestIngestor(t, testIngestorConfig(srv.URL))

	missing := []Object{{Bucket: testBucket, Key: "logs/gone.json"}}
	result := i.ProcessBatch(context.Background(), missing, parser.NewJSON(parser.JSONSchema{}, ""), nil, "json", 0)

	assert.Empty(t, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "logs/gone.json", result.Failed[0])
}

func TestProcessBatchRejectsMalformedJSON(t *testing.T) {
	s3 := newFakeS3()
	s3.put("logs/broken.json", []byte("{not json at all"), time.Now())

	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	i := newTestIngestor(t, testIngestorConfig(srv.URL))

	objects := []Object{{Bucket: testBucket, Key: "logs/broken.json"}}
	result := i.ProcessBatch(context.Background(), objects, parser.NewJSON(parser.JSONSchema{}, ""), nil, "json", 0)

	require.Len(t, result.Failed, 1)
}

func TestProcessBatchReportsRateLimitWait(t *testing.T) {
	s3 := newFakeS3()
	modified := time.Now().UTC().Truncate(time.Second)
	for n := 0; n < 5; n++ {
		s3.put(fmt.Sprintf("logs/obj-%d.json", n), []byte(`{"n":1}`), modified)
	}

	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	cfg := testIngestorConfig(srv.URL)
	cfg.RateLimitPerSec = 50
	cfg.RateLimitBurst = 1
	cfg.WorkerPoolSize = 5

	i := newTestIngestor(t, cfg)

	objects, err := i.List(context.Background(), testBucket, "logs/", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, objects, 5)

	result := i.ProcessBatch(context.Background(), objects, parser.NewJSON(parser.JSONSchema{}, ""), nil, "json", 0)
	assert.Len(t, result.Succeeded, 5)
	assert.Positive(t, result.RateLimitWait)
}

func TestProcessBatchHonorsBatchSize(t *testing.T) {
	s3 := newFakeS3()
	modified := time.Now().UTC().Truncate(time.Second)
	for n := 0; n < 4; n++ {
		s3.put(fmt.Sprintf("logs/obj-%d.json", n), []byte(`{"n":1}`), modified)
	}

	srv := httptest.NewServer(s3.handler())
	defer srv.Close()

	i := newTestIngestor(t, testIngestorConfig(srv.URL))

	objects, err := i.List(context.Background(), testBucket, "logs/", time.Time{}, 0)
	require.NoError(t, err)

	result := i.ProcessBatch(context.Background(), objects, parser.NewJSON(parser.JSONSchema{}, ""), nil, "json", 2)
	assert.Equal(t, 2, result.TotalFiles)
	assert.Len(t, result.Succeeded, 2)
}
