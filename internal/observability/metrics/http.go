package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 状态面板的请求指标。路由很少，handler 标签取固定的路由名。
var (
	dashboardRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentminer_dashboard_requests_total",
		Help: "Dashboard requests by route, method and status code.",
	}, []string{"handler", "method", "code"})

	dashboardLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentminer_dashboard_request_duration_seconds",
		Help:    "Dashboard request latency.",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 2},
	}, []string{"handler"})
)

// ObserveHTTPRequest 记录一次面板请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	dashboardRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	dashboardLatency.WithLabelValues(handler).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出本进程的指标。抓取失败会计入 promhttp 自带的计数器。
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(registry,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
}
