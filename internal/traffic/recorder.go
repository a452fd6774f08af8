// Package traffic records one entry per proxied request into the store
// without ever blocking the request path: a bounded queue with a
// drop-oldest policy absorbs bursts, and a single background consumer
// batches writes into the embedded store.
package traffic

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"cyp-registry-proxy/internal/model"
	"cyp-registry-proxy/internal/store"
	"cyp-registry-proxy/pkg/metrics"
)

const (
	queueCapacity = 4096
	batchSize     = 100
	batchInterval = time.Second
)

// Recorder accepts TrafficRecord values from the proxy engine's hot path
// and persists them asynchronously.
type Recorder struct {
	store   *store.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	queue []*model.TrafficRecord

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Recorder. Call Start to launch its background consumer.
func New(st *store.Store, log *zap.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		store:    st,
		log:      log,
		metrics:  m,
		queue:    make([]*model.TrafficRecord, 0, queueCapacity),
		stopChan: make(chan struct{}),
	}
}

// Record enqueues r for eventual persistence. Never blocks: if the queue is
// at capacity, the oldest entry is dropped and a metric is incremented.
func (r *Recorder) Record(rec *model.TrafficRecord) {
	r.mu.Lock()
	if len(r.queue) >= queueCapacity {
		r.queue = r.queue[1:]
		if r.metrics != nil {
			r.metrics.TrafficQueueDrops.Inc()
		}
	}
	r.queue = append(r.queue, rec)
	r.mu.Unlock()
}

// Start launches the background batching consumer.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop signals the consumer to flush and exit, and waits for it to finish.
func (r *Recorder) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	n := len(r.queue)
	if n > batchSize {
		n = batchSize
	}
	batch := r.queue[:n]
	r.queue = r.queue[n:]
	r.mu.Unlock()

	if err := r.store.InsertTrafficBatch(batch); err != nil {
		r.log.Error("traffic: failed to persist batch", zap.Int("count", len(batch)), zap.Error(err))
	}
}
