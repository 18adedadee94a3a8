package metrics

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the narrow fire-and-forget surface components emit events through.
// Implementations must be safe for concurrent use.
type Sink interface {
	Observe(name string, value float64, labels map[string]string)
}

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NoopSink discards all observations.
type NoopSink struct{}

func (NoopSink) Observe(string, float64, map[string]string) {}

// PromSink exposes sink observations as prometheus counters. Collectors are
// registered lazily on first use of a metric name; the label key set of a name
// is fixed by its first observation.
type PromSink struct {
	namespace string
	reg       prometheus.Registerer
	logger    log.Logger

	mtx      sync.Mutex
	counters map[string]*prometheus.CounterVec
	keys     map[string][]string
	warned   map[string]struct{}
}

func NewPromSink(namespace string, reg prometheus.Registerer, logger log.Logger) *PromSink {
	return &PromSink{
		namespace: namespace,
		reg:       reg,
		logger:    logger,
		counters:  make(map[string]*prometheus.CounterVec),
		keys:      make(map[string][]string),
		warned:    make(map[string]struct{}),
	}
}

func (s *PromSink) Observe(name string, value float64, labels map[string]string) {
	if !validName.MatchString(name) {
		s.warnOnce(name)
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	keys, ok := s.keys[name]
	if !ok {
		keys = sortedKeys(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
		}, keys)
		if err := s.reg.Register(vec); err != nil {
			if are, isARE := err.(prometheus.AlreadyRegisteredError); isARE {
				vec = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				level.Warn(s.logger).Log("msg", "failed to register sink metric", "name", name, "err", err)
				return
			}
		}
		s.counters[name] = vec
		s.keys[name] = keys
	}

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	s.counters[name].WithLabelValues(values...).Add(value)
}

func (s *PromSink) warnOnce(name string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.warned[name]; ok {
		return
	}
	s.warned[name] = struct{}{}
	level.Warn(s.logger).Log("msg", "dropping metric with invalid name", "name", name)
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CaptureSink records observations for assertions in tests.
type CaptureSink struct {
	mtx          sync.Mutex
	observations map[string]float64
}

func NewCaptureSink() *CaptureSink {
	return &CaptureSink{observations: make(map[string]float64)}
}

func (s *CaptureSink) Observe(name string, value float64, labels map[string]string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.observations[key(name, labels)] += value
}

// Value returns the accumulated value for a name and label set.
func (s *CaptureSink) Value(name string, labels map[string]string) float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.observations[key(name, labels)]
}

func key(name string, labels map[string]string) string {
	parts := []string{name}
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
