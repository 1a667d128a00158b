// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapgw_orders_created_total",
		Help: "Orders created, by pay network",
	}, []string{"network"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapgw_order_transitions_total",
		Help: "Order status changes, by target status",
	}, []string{"status"})

	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapgw_validations_total",
		Help: "Payment validation runs, by result",
	}, []string{"result"})

	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapgw_payouts_total",
		Help: "Payout attempts, by outcome",
	}, []string{"outcome"})

	ExpiredOrders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swapgw_expired_orders_total",
		Help: "Orders expired by the sweeper",
	})

	AddressesAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapgw_addresses_allocated_total",
		Help: "Deposit addresses handed out, by family and source (pool or derived)",
	}, []string{"family", "source"})

	PoolFree = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swapgw_pool_free_addresses",
		Help: "Unassigned pooled deposit addresses, by family",
	}, []string{"family"})

	WebhookCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapgw_webhook_calls_total",
		Help: "Calls to the address notification API, by operation and status",
	}, []string{"op", "status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapgw_http_requests_total",
		Help: "HTTP requests, by method, route and status",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swapgw_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})
)
