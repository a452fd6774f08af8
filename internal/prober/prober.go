// Package prober runs the periodic and on-demand health checks that drive
// each mirror's circuit-breaker state, following the ticker/stopChan
// background-scheduler shape the teacher uses for its update checker
// (internal/updater/checker.go backgroundChecker).
package prober

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"cyp-registry-proxy/internal/mirror"
	"cyp-registry-proxy/internal/model"
	"cyp-registry-proxy/pkg/metrics"
)

// Prober periodically probes every enabled mirror's /v2/ endpoint and updates its
// health state in the registry. At most one probe is in flight per mirror
// at any time.
type Prober struct {
	registry *mirror.Registry
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	client   *http.Client

	stopChan   chan struct{}
	wakeChan   chan int64 // non-zero mirror ID for a targeted on-demand probe, 0 for "probe all"
	inflight   sync.Map   // mirror ID -> struct{}
	wg         sync.WaitGroup
}

// New constructs a Prober. interval is the base cadence between full
// sweeps (jittered ±10% per tick); timeout bounds each individual probe.
func New(reg *mirror.Registry, interval, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Prober {
	return &Prober{
		registry: reg,
		interval: interval,
		timeout:  timeout,
		log:      log,
		metrics:  m,
		client:   &http.Client{},
		stopChan: make(chan struct{}),
		wakeChan: make(chan int64, 8),
	}
}

// Start launches the background scheduler goroutine.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop signals the scheduler to exit and waits for in-flight probes to
// finish issuing (not necessarily to complete their HTTP round trip).
func (p *Prober) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

// TriggerAll requests an immediate probe sweep of every enabled mirror, used by the
// Admin API's POST /probe.
func (p *Prober) TriggerAll() {
	select {
	case p.wakeChan <- 0:
	default:
	}
}

func (p *Prober) loop() {
	defer p.wg.Done()

	timer := time.NewTimer(p.jittered())
	defer timer.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-timer.C:
			p.probeAll()
			timer.Reset(p.jittered())
		case id := <-p.wakeChan:
			if id == 0 {
				p.probeAll()
			} else {
				p.probeOne(id)
			}
		}
	}
}

// jittered returns the configured interval perturbed by up to ±10%, so a
// large mirror set does not thunder-herd every upstream on the same tick.
func (p *Prober) jittered() time.Duration {
	if p.interval <= 0 {
		return time.Minute
	}
	delta := float64(p.interval) * 0.10
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(p.interval) + offset)
}

func (p *Prober) probeAll() {
	for _, m := range p.registry.List() {
		if !m.Enabled {
			continue
		}
		p.probeOne(m.ID)
	}
}

func (p *Prober) probeOne(id int64) {
	if _, already := p.inflight.LoadOrStore(id, struct{}{}); already {
		return
	}
	go func() {
		defer p.inflight.Delete(id)
		m, ok := p.registry.Get(id)
		if !ok {
			return
		}
		p.probe(m)
	}()
}

func (p *Prober) probe(m *model.Mirror) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.UpstreamURL+"/v2/", nil)
	if err != nil {
		p.log.Error("prober: build request failed", zap.Int64("mirror_id", m.ID), zap.Error(err))
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)

	healthy := false
	outcome := "unhealthy"
	if err == nil {
		resp.Body.Close()
		healthy = resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized
	}
	if healthy {
		outcome = "healthy"
	}
	if p.metrics != nil {
		p.metrics.ProbesTotal.WithLabelValues(outcome).Inc()
	}

	consecutiveFailures := m.ConsecutiveFailures
	health := model.HealthUnhealthy
	if healthy {
		health = model.HealthHealthy
		consecutiveFailures = 0
	} else {
		consecutiveFailures++
	}

	latencyMs := latency.Milliseconds()
	if err := p.registry.UpdateHealth(m.ID, health, latencyMs, consecutiveFailures, time.Now()); err != nil {
		p.log.Error("prober: failed to persist probe result", zap.Int64("mirror_id", m.ID), zap.Error(err))
		return
	}
	if p.metrics != nil {
		healthVal := 0.0
		if healthy {
			healthVal = 1.0
		}
		label := strconv.FormatInt(m.ID, 10)
		p.metrics.MirrorLatencyMs.WithLabelValues(m.Prefix, label).Set(float64(latencyMs))
		p.metrics.MirrorHealthy.WithLabelValues(m.Prefix, label).Set(healthVal)
	}
}
