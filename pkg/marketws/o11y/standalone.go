package o11y

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StandaloneMetricsConfig configures the standalone metrics provider
type StandaloneMetricsConfig struct {
	Interval    time.Duration // How often to log a snapshot (default: 30s)
	ServiceName string        // Service name to include in snapshots
}

// MetricsSnapshot is a point-in-time copy of every metric the provider holds
type MetricsSnapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	ServiceName string             `json:"service_name"`
	Counters    map[string]int64   `json:"counters"`
	Histograms  map[string]Summary `json:"histograms"`
	Gauges      map[string]float64 `json:"gauges"`
}

// Summary condenses a histogram's recorded values
type Summary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
}

// StandaloneMetricsProvider keeps metrics in memory and periodically logs a snapshot.
// It needs no exporter, which makes it the default for the CLI.
type StandaloneMetricsProvider struct {
	config StandaloneMetricsConfig
	logger *zap.Logger

	counters   sync.Map // map[string]*standaloneCounter
	histograms sync.Map // map[string]*standaloneHistogram
	gauges     sync.Map // map[string]*standaloneGauge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started int32 // atomic boolean
}

// NewStandaloneMetricsProvider creates a new standalone metrics provider
func NewStandaloneMetricsProvider(logger *zap.Logger, config *StandaloneMetricsConfig) *StandaloneMetricsProvider {
	if config == nil {
		config = &StandaloneMetricsConfig{}
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.ServiceName == "" {
		config.ServiceName = "marketws"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &StandaloneMetricsProvider{
		config: *config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic snapshot logging
func (s *StandaloneMetricsProvider) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.wg.Add(1)
	go s.publishLoop()

	return nil
}

// Stop stops snapshot logging, logging one final snapshot
func (s *StandaloneMetricsProvider) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	return nil
}

func (s *StandaloneMetricsProvider) publishLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logSnapshot()
		case <-s.ctx.Done():
			s.logSnapshot()
			return
		}
	}
}

func (s *StandaloneMetricsProvider) logSnapshot() {
	snap := s.Snapshot()

	names := make([]string, 0, len(snap.Counters))
	for name := range snap.Counters {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]zap.Field, 0, len(names)+2)
	fields = append(fields, zap.String("service", snap.ServiceName))
	for _, name := range names {
		fields = append(fields, zap.Int64(name, snap.Counters[name]))
	}
	fields = append(fields, zap.Any("gauges", snap.Gauges), zap.Any("histograms", snap.Histograms))

	s.logger.Info("Metrics snapshot", fields...)
}

// Snapshot collects the current value of every metric
func (s *StandaloneMetricsProvider) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Timestamp:   time.Now(),
		ServiceName: s.config.ServiceName,
		Counters:    make(map[string]int64),
		Histograms:  make(map[string]Summary),
		Gauges:      make(map[string]float64),
	}

	s.counters.Range(func(key, value any) bool {
		snapshot.Counters[key.(string)] = atomic.LoadInt64(&value.(*standaloneCounter).value)
		return true
	})

	s.histograms.Range(func(key, value any) bool {
		snapshot.Histograms[key.(string)] = value.(*standaloneHistogram).summary()
		return true
	})

	s.gauges.Range(func(key, value any) bool {
		snapshot.Gauges[key.(string)] = value.(*standaloneGauge).getValue()
		return true
	})

	return snapshot
}

// MetricsProvider interface implementation

func (s *StandaloneMetricsProvider) Counter(name string) Counter {
	actual, _ := s.counters.LoadOrStore(name, &standaloneCounter{})
	return actual.(*standaloneCounter)
}

func (s *StandaloneMetricsProvider) Histogram(name string) Histogram {
	actual, _ := s.histograms.LoadOrStore(name, &standaloneHistogram{})
	return actual.(*standaloneHistogram)
}

func (s *StandaloneMetricsProvider) Gauge(name string) Gauge {
	actual, _ := s.gauges.LoadOrStore(name, &standaloneGauge{})
	return actual.(*standaloneGauge)
}

type standaloneCounter struct {
	value int64
}

func (c *standaloneCounter) Add(ctx context.Context, value int64, labels ...Label) {
	atomic.AddInt64(&c.value, value)
}

type standaloneHistogram struct {
	mu  sync.Mutex
	sum Summary
}

func (h *standaloneHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sum.Count == 0 || value < h.sum.Min {
		h.sum.Min = value
	}
	if h.sum.Count == 0 || value > h.sum.Max {
		h.sum.Max = value
	}
	h.sum.Count++
	h.sum.Sum += value
}

func (h *standaloneHistogram) summary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type standaloneGauge struct {
	mu    sync.RWMutex
	value float64
}

func (g *standaloneGauge) Set(ctx context.Context, value float64, labels ...Label) {
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

func (g *standaloneGauge) getValue() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}
