// Package metrics holds Prometheus instruments that are used across the
// platform.  All collectors are registered with the global registry, so
// importing this package in main.go is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "platformx_active_apps",
			Help: "Number of apps currently loaded in memory.",
		})

	AppLoadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "platformx_app_load_total",
			Help: "Cumulative number of apps successfully loaded.",
		})

	AppLoadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "platformx_app_load_errors_total",
			Help: "Cumulative number of app load errors.",
		})

	AppEvictTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platformx_app_evict_total",
			Help: "Cumulative number of apps evicted from the cache.",
		}, []string{"reason"})

	AppRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platformx_app_requests_total",
			Help: "Requests forwarded to hosted apps, by outcome.",
		}, []string{"outcome"})

	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platformx_deploys_total",
			Help: "Deployment pipeline runs, by source and outcome.",
		}, []string{"source", "outcome"})

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platformx_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"})

	BackupOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platformx_backup_operations_total",
			Help: "Backup engine operations, by kind.",
		}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ActiveApps,
		AppLoadTotal,
		AppLoadErrorsTotal,
		AppEvictTotal,
		AppRequestsTotal,
		DeploysTotal,
		WebhookDeliveriesTotal,
		BackupOperationsTotal,
	)
}
