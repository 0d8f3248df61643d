package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlengine/internal/progress"
)

// PrometheusSink exports spider lifecycle and fetch metrics.
type PrometheusSink struct {
	spidersStarted   prometheus.Counter
	spidersCompleted *prometheus.CounterVec
	spidersRunning   prometheus.Gauge
	spiderRuntime    *prometheus.HistogramVec

	fetchTotal    *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	unroutable    prometheus.Counter

	running *runningSet
}

// NewPrometheusSink registers the collectors against reg, falling back to
// the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		spidersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlengine_spiders_started_total",
			Help: "Total spiders that have started.",
		}),
		spidersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlengine_spiders_completed_total",
			Help: "Total spiders torn down partitioned by result.",
		}, []string{"result"}),
		spidersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlengine_spiders_running",
			Help: "Current number of running spiders.",
		}),
		spiderRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlengine_spider_runtime_seconds",
			Help:    "Wall time from setup to teardown per spider.",
			Buckets: []float64{0.1, 1, 5, 15, 60, 300, 1200},
		}, []string{"result"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlengine_fetch_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlengine_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlengine_fetch_duration_seconds",
			Help:    "Fetch latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		unroutable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlengine_unroutable_total",
			Help: "Outcomes dropped because no spider claimed them.",
		}),
		running: &runningSet{names: make(map[string]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.spidersStarted,
		s.spidersCompleted,
		s.spidersRunning,
		s.spiderRuntime,
		s.fetchTotal,
		s.fetchBytes,
		s.fetchDuration,
		s.unroutable,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSpiderStart:
			s.spidersStarted.Inc()
			if s.running.add(evt.Spider) {
				s.spidersRunning.Inc()
			}
		case progress.StageSpiderDone:
			s.finish(evt, "success")
		case progress.StageSpiderError:
			s.finish(evt, "error")
		case progress.StageFetchDone:
			s.fetched(evt, string(evt.StatusClass))
		case progress.StageFetchError:
			s.fetched(evt, "error")
		case progress.StageUnroutable:
			s.unroutable.Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.spidersCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.spiderRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.running.remove(evt.Spider) {
		s.spidersRunning.Dec()
	}
}

func (s *PrometheusSink) fetched(evt progress.Event, statusClass string) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchTotal.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func (r *runningSet) add(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return false
	}
	r.names[name] = struct{}{}
	return true
}

func (r *runningSet) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; !ok {
		return false
	}
	delete(r.names, name)
	return true
}
