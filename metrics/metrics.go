// Package metrics provides Prometheus metrics for the connector runtime
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 限流指标
	throttleWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "connector",
		Name:      "throttle_wait_seconds",
		Help:      "Time spent waiting for rate limit capacity, per limit id",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"limit_id"})

	// 传输层指标
	restRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "rest_requests_total",
		Help:      "REST requests issued, per limit id and outcome",
	}, []string{"limit_id", "outcome"})
	wsReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "ws_reconnects_total",
		Help:      "Websocket reconnect attempts per stream",
	}, []string{"stream"})

	// 订单簿指标
	bookDiffsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "book_diffs_applied_total",
		Help:      "Order book diffs applied per trading pair",
	}, []string{"pair"})
	bookDiffsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "book_diffs_discarded_total",
		Help:      "Stale or duplicate diffs discarded per trading pair",
	}, []string{"pair"})
	bookDiffsBuffered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "connector",
		Name:      "book_diffs_buffered",
		Help:      "Diffs currently buffered waiting for a snapshot",
	}, []string{"pair"})
	bookSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "book_snapshots_total",
		Help:      "Order book snapshots applied per trading pair",
	}, []string{"pair"})

	// 订单指标
	ordersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "orders_submitted_total",
		Help:      "Orders submitted per trading pair",
	}, []string{"pair"})
	ordersTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "orders_terminal_total",
		Help:      "Orders reaching a terminal state, per state",
	}, []string{"state"})
	inFlightOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector",
		Name:      "in_flight_orders",
		Help:      "Orders currently tracked in a non-terminal state",
	})
)

// ObserveThrottleWait 记录一次限流等待时长。
func ObserveThrottleWait(limitID string, seconds float64) {
	throttleWaitSeconds.WithLabelValues(limitID).Observe(seconds)
}

// CountRESTRequest 记录一次 REST 调用结果，outcome 为 ok/error。
func CountRESTRequest(limitID, outcome string) {
	restRequests.WithLabelValues(limitID, outcome).Inc()
}

// CountWSReconnect 记录一次流重连。
func CountWSReconnect(stream string) {
	wsReconnects.WithLabelValues(stream).Inc()
}

// UpdateBookMetrics 订单簿增量处理统计。
func UpdateBookMetrics(pair string, applied, discarded int, buffered int) {
	if applied > 0 {
		bookDiffsApplied.WithLabelValues(pair).Add(float64(applied))
	}
	if discarded > 0 {
		bookDiffsDiscarded.WithLabelValues(pair).Add(float64(discarded))
	}
	bookDiffsBuffered.WithLabelValues(pair).Set(float64(buffered))
}

// CountBookSnapshot 记录一次快照落盘。
func CountBookSnapshot(pair string) {
	bookSnapshots.WithLabelValues(pair).Inc()
}

// CountOrderSubmitted 记录一次下单。
func CountOrderSubmitted(pair string) {
	ordersSubmitted.WithLabelValues(pair).Inc()
}

// CountOrderTerminal 记录订单进入终态。
func CountOrderTerminal(state string) {
	ordersTerminal.WithLabelValues(state).Inc()
}

// SetInFlightOrders 更新在途订单数。
func SetInFlightOrders(n int) {
	inFlightOrders.Set(float64(n))
}

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
