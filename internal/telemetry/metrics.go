package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caikit_nlp_client_requests_total",
		Help: "Requests issued, by transport, operation and outcome.",
	}, []string{"transport", "operation", "outcome"})

	duration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caikit_nlp_client_request_seconds",
		Help:    "Wall-clock request duration.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"transport", "operation"})

	streamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caikit_nlp_client_stream_frames_total",
		Help: "Decoded streaming frames, by transport.",
	}, []string{"transport"})
)

// ObserveRequest records one finished call.
func ObserveRequest(transport, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requests.WithLabelValues(transport, operation, outcome).Inc()
	duration.WithLabelValues(transport, operation).Observe(time.Since(start).Seconds())
}

// CountStreamFrame records one decoded streaming frame.
func CountStreamFrame(transport string) {
	streamFrames.WithLabelValues(transport).Inc()
}

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
