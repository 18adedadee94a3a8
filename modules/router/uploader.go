package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const apiVersion = "2023-01-01"

// TokenProvider supplies the AAD bearer token for the ingestion endpoint.
// *secrets.Broker satisfies it.
type TokenProvider interface {
	Get(ctx context.Context, name string, forceRefresh bool) (string, error)
}

// httpError carries the response status for retry classification, plus any
// Retry-After hint.
type httpError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *httpError) Error() string {
	return fmt.Sprintf("ingestion endpoint returned status %d", e.Status)
}

// uploadRetryable treats 408, 429 and 5xx (and network timeouts) as
// transient. 400/401/403/413/422 are permanent.
func uploadRetryable(err error) bool {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return httpErr.Status >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection resets and refused connections come through as url.Error.
	return errors.Is(err, io.EOF) || isTemporaryNetErr(err)
}

func isTemporaryNetErr(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// categorize maps a final upload error to the envelope error category.
func categorize(err error) string {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return "authorization"
		case httpErr.Status == http.StatusRequestEntityTooLarge:
			return "payload-too-large"
		case uploadRetryable(err):
			return "transient-transport"
		default:
			return "validation"
		}
	}
	if uploadRetryable(err) {
		return "transient-transport"
	}
	return "unknown"
}

// uploader POSTs sealed batches to the data collection rule stream endpoint.
type uploader struct {
	cfg    Config
	client *http.Client
	tokens TokenProvider
}

func newUploader(cfg Config, tokens TokenProvider) *uploader {
	return &uploader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.UploadTimeout},
		tokens: tokens,
	}
}

func (u *uploader) streamURL(stream string) string {
	return fmt.Sprintf("%s/dataCollectionRules/%s/streams/%s?api-version=%s",
		u.cfg.DCEEndpoint, u.cfg.DCRImmutableID, stream, apiVersion)
}

// upload performs a single POST of the batch payload. The returned error is
// an *httpError for non-204 responses.
func (u *uploader) upload(ctx context.Context, stream string, payload []byte) error {
	token, err := u.tokens.Get(ctx, u.cfg.TokenSecretName, false)
	if err != nil {
		return errors.Wrap(err, "fetching ingestion token")
	}

	body := payload
	compressed := false
	if u.cfg.CompressUploads {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, werr := gz.Write(payload)
		cerr := gz.Close()
		if werr == nil && cerr == nil {
			body = buf.Bytes()
			compressed = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.streamURL(stream), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	httpErr := &httpError{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, parseErr := strconv.Atoi(ra); parseErr == nil {
				httpErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}
	return httpErr
}
