// Package metrics 汇总挖矿进程的 Prometheus 指标，并通过 /metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registry = newRegistry()
	factory  = promauto.With(registry)
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

var (
	// cyclesTotal counts finished mining cycles by outcome
	cyclesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentminer_cycles_total",
		Help: "Finished mining cycles by outcome.",
	}, []string{"outcome"})

	// phaseTransitions counts checkpointed phase transitions
	phaseTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentminer_phase_transitions_total",
		Help: "Checkpointed phase transitions by target phase.",
	}, []string{"phase"})

	postsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentminer_post_attempts_total",
		Help: "Post send attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	txTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentminer_transactions_total",
		Help: "On-chain transactions by method and outcome.",
	}, []string{"method", "outcome"})

	solveDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentminer_solve_duration_seconds",
		Help:    "Time spent obtaining an answer.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"strategy"})

	pendingReward = factory.NewGauge(prometheus.GaugeOpts{
		Name: "agentminer_pending_reward_wei",
		Help: "Claimable reward reported by the reward distributor, in wei.",
	})

	retriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentminer_retries_total",
		Help: "Retried operations by phase.",
	}, []string{"phase"})
)

// Registry 返回承载全部指标的注册表。
func Registry() *prometheus.Registry { return registry }

// ObserveCycle 记录一轮挖矿的结果。
func ObserveCycle(outcome string) { cyclesTotal.WithLabelValues(outcome).Inc() }

// ObservePhase 记录一次阶段切换。
func ObservePhase(phase string) { phaseTransitions.WithLabelValues(phase).Inc() }

// ObservePost 记录一次发帖尝试。
func ObservePost(channel, outcome string) { postsTotal.WithLabelValues(channel, outcome).Inc() }

// ObserveTx 记录一笔交易的结果。
func ObserveTx(method, outcome string) { txTotal.WithLabelValues(method, outcome).Inc() }

// ObserveSolve 记录一次求解耗时。
func ObserveSolve(strategy string, seconds float64) {
	solveDuration.WithLabelValues(strategy).Observe(seconds)
}

// ObserveRetry 记录一次退避重试。
func ObserveRetry(phase string) { retriesTotal.WithLabelValues(phase).Inc() }

// SetPendingReward 更新待领取奖励。
func SetPendingReward(wei float64) { pendingReward.Set(wei) }
