package service

import (
	"strconv"
	"sync/atomic"
	"time"
)

// latencyBucketsMs are the upper bounds of the delivery-latency histogram.
var latencyBucketsMs = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

// Metrics is a set of process-local counters exposed on the metrics
// endpoint. Plain atomics; there is no scrape protocol, just a JSON
// snapshot.
type Metrics struct {
	MessagesIn   atomic.Int64
	MessagesOut  atomic.Int64
	Emergencies  atomic.Int64
	CallsStarted atomic.Int64
	RateLimited  atomic.Int64
	ErrorsSent   atomic.Int64

	latency [10]atomic.Int64 // one slot per bucket plus overflow
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveDelivery records one local fanout delivery duration.
func (m *Metrics) ObserveDelivery(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	for i, le := range latencyBucketsMs {
		if ms <= le {
			m.latency[i].Add(1)
			return
		}
	}
	m.latency[len(latencyBucketsMs)].Add(1)
}

// Snapshot renders the counters for the metrics endpoint.
func (m *Metrics) Snapshot() map[string]any {
	hist := make(map[string]int64, len(latencyBucketsMs)+1)
	for i, le := range latencyBucketsMs {
		hist[formatBucket(le)] = m.latency[i].Load()
	}
	hist["+Inf"] = m.latency[len(latencyBucketsMs)].Load()

	return map[string]any{
		"messages_in":           m.MessagesIn.Load(),
		"messages_out":          m.MessagesOut.Load(),
		"emergencies":           m.Emergencies.Load(),
		"call_sessions_started": m.CallsStarted.Load(),
		"rate_limited":          m.RateLimited.Load(),
		"errors_sent":           m.ErrorsSent.Load(),
		"delivery_latency_ms":   hist,
	}
}

func formatBucket(le float64) string {
	return strconv.FormatFloat(le, 'f', -1, 64)
}
