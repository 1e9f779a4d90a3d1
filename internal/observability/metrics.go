package observability

import (
	"sync"
	"time"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewatch",
			Subsystem: "monitor",
			Name:      "frames_total",
			Help:      "Frames re-emitted by a monitor.",
		},
		[]string{"monitor", "direction", "type"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewatch",
			Subsystem: "monitor",
			Name:      "frame_payload_bytes_total",
			Help:      "Payload bytes of frames re-emitted by a monitor.",
		},
		[]string{"monitor", "direction"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewatch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total diagnostics HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framewatch",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesObserved, frameBytes, httpRequests, httpDuration)
	})
}

func RecordFrame(monitor string, ev frame.Event) {
	RegisterMetrics()
	dir := ev.Direction.String()
	framesObserved.WithLabelValues(monitor, dir, ev.Frame.Type().String()).Inc()
	frameBytes.WithLabelValues(monitor, dir).Add(float64(len(ev.Frame.Payload)))
}

// FrameMetrics returns a subscriber that counts frames for monitor.
func FrameMetrics(monitor string) notify.Handler[frame.Event] {
	return func(ev frame.Event) error {
		RecordFrame(monitor, ev)
		return nil
	}
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := statusText(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
