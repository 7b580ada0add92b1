package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

// Collector updates metrics from session events and periodically refreshes
// the system gauges.
type Collector struct {
	metrics   *Metrics
	startTime time.Time
	interval  time.Duration
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics) *Collector {
	return &Collector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  15 * time.Second,
	}
}

// SetInterval changes the refresh period. It takes effect on the next Start.
func (c *Collector) SetInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.interval = d
	}
}

// Start starts the periodic collection.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.ticker, c.done)
}

// Stop stops the periodic collection.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(ticker *time.Ticker, done chan struct{}) {
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
}

// RecordTransition counts a stored stage and marks it as current. It is used
// as the controller's transition tap.
func (c *Collector) RecordTransition(tr session.Transition) {
	stage := string(tr.Stage)
	c.metrics.StageTransitions.WithLabelValues(stage).Inc()
	c.metrics.CurrentStage.Reset()
	c.metrics.CurrentStage.WithLabelValues(stage).Set(1)
}

// RecordCall records a dispatched command. code is "" on success.
func (c *Collector) RecordCall(method, code string, duration time.Duration) {
	if code == "" {
		code = "OK"
	}
	c.metrics.CallsTotal.WithLabelValues(method, code).Inc()
	c.metrics.CallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordConnect records the outcome of a connect command.
func (c *Collector) RecordConnect(outcome string) {
	c.metrics.ConnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordTraffic publishes the session byte counters.
func (c *Collector) RecordTraffic(t session.Traffic) {
	c.metrics.BytesIn.Set(float64(t.BytesIn))
	c.metrics.BytesOut.Set(float64(t.BytesOut))
}

// SetObserverAttached updates the observer gauge.
func (c *Collector) SetObserverAttached(attached bool) {
	v := 0.0
	if attached {
		v = 1.0
	}
	c.metrics.ObserverAttached.Set(v)
}

// RecordCapabilityRequest counts a consent request.
func (c *Collector) RecordCapabilityRequest() {
	c.metrics.CapabilityRequests.Inc()
}

// RecordAuthAttempt records an API authentication attempt.
func (c *Collector) RecordAuthAttempt(method string, success bool, reason string) {
	c.metrics.AuthAttempts.WithLabelValues(method).Inc()
	if !success {
		c.metrics.AuthFailures.WithLabelValues(method, reason).Inc()
	}
}
