package secrets

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grafana/dskit/flagext"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Store is the remote secret service surface the broker depends on.
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
	Health(ctx context.Context) error
}

// ErrUnauthorized indicates the secret service rejected our credentials.
// Never retryable.
var ErrUnauthorized = errors.New("secret store rejected credentials")

// ErrNotFound indicates the named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// StoreConfig configures the HTTP secret store client.
type StoreConfig struct {
	Endpoint string         `yaml:"vault_endpoint"`
	Token    flagext.Secret `yaml:"token"`
	Timeout  time.Duration  `yaml:"timeout"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (cfg *StoreConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Timeout = 30 * time.Second
	f.StringVar(&cfg.Endpoint, prefix+".vault-endpoint", "", "Base URL of the secret service.")
}

// HTTPStore talks to a vault-style HTTP secret service:
//
//	GET  {endpoint}/v1/secret/{name}   -> 200 {"value": "..."}
//	PUT  {endpoint}/v1/secret/{name}   <- {"value": "..."}
//	GET  {endpoint}/v1/health          -> 200
type HTTPStore struct {
	cfg    StoreConfig
	client *http.Client
}

var _ Store = (*HTTPStore)(nil)

func NewHTTPStore(cfg StoreConfig) (*HTTPStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("secret store endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type secretBody struct {
	Value string `json:"value"`
}

func (s *HTTPStore) GetSecret(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.secretURL(name), nil)
	if err != nil {
		return "", err
	}
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetching secret")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return "", errors.Wrapf(ErrNotFound, "secret %q", name)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errors.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode)
	default:
		return "", fmt.Errorf("secret store returned unexpected status %d", resp.StatusCode)
	}

	var body secretBody
	if err := jsoniter.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decoding secret response")
	}
	return body.Value, nil
}

func (s *HTTPStore) SetSecret(ctx context.Context, name, value string) error {
	buf, err := jsoniter.Marshal(secretBody{Value: value})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.secretURL(name), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "storing secret")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode)
	default:
		return fmt.Errorf("secret store returned unexpected status %d", resp.StatusCode)
	}
}

func (s *HTTPStore) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+"/v1/health", nil)
	if err != nil {
		return err
	}
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "secret store health probe")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("secret store unhealthy, status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) secretURL(name string) string {
	return s.cfg.Endpoint + "/v1/secret/" + name
}

func (s *HTTPStore) auth(req *http.Request) {
	if tok := s.cfg.Token.String(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
