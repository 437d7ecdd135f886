// Package avobserve 暴露 Prometheus 指标
package avobserve

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标定义
var (
	PoolOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agencyvault_pool_open_connections",
		Help: "当前缓存的租户连接数",
	})
	PoolConnectionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agencyvault_pool_connections_created_total",
		Help: "累计新建的租户连接数",
	})
	PoolConnectionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agencyvault_pool_connections_evicted_total",
		Help: "累计被淘汰 (容量/失效/关停) 的连接数",
	})
	PoolCreationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agencyvault_pool_creation_failures_total",
		Help: "累计连接创建失败次数",
	})
	MigrationsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agencyvault_migrations_applied_total",
		Help: "累计成功应用的迁移数",
	})
	MigrationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agencyvault_migrations_failed_total",
		Help: "累计失败的迁移数",
	})
	MigrationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agencyvault_migration_duration_seconds",
		Help:    "单个迁移脚本的执行耗时",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// Register 必须在 main 调用一次
func Register() {
	prometheus.MustRegister(
		PoolOpenConnections,
		PoolConnectionsCreated,
		PoolConnectionsEvicted,
		PoolCreationFailures,
		MigrationsApplied,
		MigrationsFailed,
		MigrationDuration,
	)
}

// Handler 返回 HTTP 处理器
func Handler() http.Handler { return promhttp.Handler() }
