package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queueMetrics 队列Prometheus指标
type queueMetrics struct {
	depth        prometheus.Gauge
	runningGauge prometheus.Gauge
	enqueued     prometheus.Counter
	rejected     prometheus.Counter
	finished     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *queueMetrics
)

// newQueueMetrics 指标在进程内注册一次，多实例（测试）共享
func newQueueMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = &queueMetrics{
			depth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "ragcore_queue_depth",
				Help: "Number of operations waiting in the queue",
			}),
			runningGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "ragcore_queue_running",
				Help: "Number of operations currently executing",
			}),
			enqueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ragcore_queue_enqueued_total",
				Help: "Total number of operations accepted by the queue",
			}),
			rejected: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ragcore_queue_rejected_total",
				Help: "Total number of operations rejected because the queue was full",
			}),
			finished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ragcore_queue_finished_total",
				Help: "Total number of finished operations by terminal status",
			}, []string{"status"}),
			duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ragcore_queue_operation_duration_seconds",
				Help:    "Operation execution duration",
				Buckets: prometheus.DefBuckets,
			}, []string{"kind"}),
		}
	})
	return sharedMetrics
}
