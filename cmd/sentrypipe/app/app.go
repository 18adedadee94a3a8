// Package app wires the pipeline modules into a running process.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	jsoniter "github.com/json-iterator/go"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/sentrypipe/sentrypipe/modules/ingestor"
	"github.com/sentrypipe/sentrypipe/modules/pipeline"
	"github.com/sentrypipe/sentrypipe/modules/router"
	"github.com/sentrypipe/sentrypipe/modules/router/sink"
	"github.com/sentrypipe/sentrypipe/pkg/metrics"
	"github.com/sentrypipe/sentrypipe/pkg/parser"
	"github.com/sentrypipe/sentrypipe/pkg/secrets"
	"github.com/sentrypipe/sentrypipe/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// App holds the wired modules.
type App struct {
	cfg Config

	broker   *secrets.Broker
	ingestor *ingestor.Ingestor
	router   *router.Router
	pipeline *pipeline.Pipeline

	httpServer *http.Server
}

func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}

	msink := metrics.NewPromSink("sentrypipe", prometheus.DefaultRegisterer, log.Logger)

	store, err := secrets.NewHTTPStore(cfg.Secrets.Store)
	if err != nil {
		return nil, errors.Wrap(err, "creating secret store")
	}
	a.broker, err = secrets.NewBroker(cfg.Secrets, store, log.Logger, msink)
	if err != nil {
		return nil, errors.Wrap(err, "creating secret broker")
	}

	registry, err := buildParsers(cfg.Parsers)
	if err != nil {
		return nil, errors.Wrap(err, "building parsers")
	}

	failedSink, err := buildFailedSink(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating failed-batch sink")
	}

	a.ingestor, err = ingestor.New(cfg.Ingestor, log.Logger, msink)
	if err != nil {
		return nil, errors.Wrap(err, "creating ingestor")
	}

	a.router, err = router.New(cfg.Router, failedSink, a.broker, log.Logger, msink)
	if err != nil {
		return nil, errors.Wrap(err, "creating router")
	}

	a.pipeline, err = pipeline.New(cfg.Pipeline, a.ingestor, a.router, registry, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating pipeline")
	}

	return a, nil
}

func buildParsers(cfg ParsersConfig) (*parser.Registry, error) {
	registry := parser.NewRegistry()

	fw, err := parser.NewFirewall(cfg.Firewall.FirewallConfig)
	if err != nil {
		return nil, err
	}
	registry.Register("firewall", fw)

	// A schemaless JSON parser is always available.
	registry.Register("json", parser.NewJSON(parser.JSONSchema{}, ""))

	for logType, jc := range cfg.JSON {
		registry.Register(logType, parser.NewJSON(jc.Schema, jc.TimestampField))
	}
	return registry, nil
}

func buildFailedSink(cfg Config) (sink.Sink, error) {
	switch cfg.FailedBatches.Backend {
	case FailedBatchLocal:
		return sink.NewLocal(cfg.FailedBatches.Dir)
	case FailedBatchS3:
		client, err := createS3Client(cfg.Ingestor)
		if err != nil {
			return nil, err
		}
		return sink.NewS3(client, cfg.FailedBatches.Bucket, cfg.FailedBatches.Prefix)
	default:
		return nil, errors.Errorf("unknown failed-batch backend %q", cfg.FailedBatches.Backend)
	}
}

// createS3Client builds a plain minio client with the ingestor's credential
// chain for the failed-batch sink.
func createS3Client(cfg ingestor.Config) (*minio.Client, error) {
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
	return minio.New(cfg.Endpoint, opts)
}

// Run starts the modules and blocks until a signal is received or a module
// fails.
func (a *App) Run() error {
	sm, err := services.NewManager(a.ingestor, a.router, a.pipeline)
	if err != nil {
		return fmt.Errorf("failed to create service manager %w", err)
	}

	a.startHTTPServer(sm)

	healthy := func() { level.Info(log.Logger).Log("msg", "sentrypipe started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "sentrypipe stopped") }
	serviceFailed := func(service services.Service) {
		// one failed module takes the process down
		sm.StopAsync()
		level.Error(log.Logger).Log("msg", "module failed", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	err = sm.AwaitStopped(context.Background())

	if a.httpServer != nil {
		_ = a.httpServer.Close()
	}
	return err
}

func (a *App) startHTTPServer(sm *services.Manager) {
	if a.cfg.HTTPListenAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ready", a.readyHandler(sm))
	mux.Handle("/config", a.configHandler())
	mux.Handle("/status/secrets", a.secretsHandler())

	a.httpServer = &http.Server{Addr: a.cfg.HTTPListenAddress, Handler: mux}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(log.Logger).Log("msg", "http server failed", "err", err)
		}
	}()
}

func (a *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func (a *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(a.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (a *App) secretsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := a.broker.Validate(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !health.StoreReachable {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		out, err := json.Marshal(health)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(out)
	}
}
