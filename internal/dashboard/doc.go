// Package dashboard 对外暴露挖矿状态：HTTP 只读接口、Prometheus 指标与 Redis 快照。
package dashboard
