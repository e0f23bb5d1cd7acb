package lim

import (
	"sync"
	"time"

	"leakmark/metrics"
	"leakmark/svc/util"
)

// The detector watches the fingerprinting endpoints over a five-minute
// sliding window. A burst of server errors on distribute or scan usually
// means someone is feeding crafted files to the codecs, so it flips the
// limiter into adaptive mode instead of waiting for an operator.
const (
	anomalyWindowBuckets = 5 // one-minute buckets
	anomalyMinRequests   = 10
	anomalyErrorRatePct  = 5.0
)

type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyWindowBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
}

type bucket struct {
	requests   int64
	distribute int64
	scan       int64
	other      int64
}

func (b bucket) errors() int64 {
	return b.distribute + b.scan + b.other
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				ticker.Stop()
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	close(d.done)
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.current].requests++
}

// RecordError attributes a server error to the endpoint that produced it, so
// the anomaly warning says whether distribute or scan is being hammered.
func (d *AnomalyDetector) RecordError(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch endpoint {
	case "distribute":
		d.window[d.current].distribute++
	case "scan":
		d.window[d.current].scan++
	default:
		d.window[d.current].other++
	}
}

func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total bucket
	for _, b := range d.window {
		total.requests += b.requests
		total.distribute += b.distribute
		total.scan += b.scan
		total.other += b.other
	}
	var errorRate float64
	if total.requests > 0 {
		errorRate = float64(total.errors()) / float64(total.requests) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(errorRate)
	if total.requests > anomalyMinRequests && errorRate > anomalyErrorRatePct {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", total.requests).
			Int64("distribute_errs", total.distribute).
			Int64("scan_errs", total.scan).
			Msg("high error rate on fingerprinting endpoints, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	d.current = (d.current + 1) % anomalyWindowBuckets
	d.window[d.current] = bucket{}
}
