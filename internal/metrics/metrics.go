// Package metrics holds the Prometheus collectors for the scheduler and the
// delivery path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for JobsDropped.
const (
	DropNoCredential   = "no_credential"
	DropStorageFailure = "storage_failure"
)

// Delivery results for Deliveries.
const (
	ResultDelivered   = "delivered"
	ResultUndelivered = "undelivered"
	ResultError       = "error"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	JobsScheduled prometheus.Counter
	JobsFired     prometheus.Counter
	JobsCancelled prometheus.Counter
	JobsDropped   *prometheus.CounterVec
	JobsPending   prometheus.Gauge

	Deliveries *prometheus.CounterVec

	CredentialsNearExpiry prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgscheduler_jobs_scheduled_total",
			Help: "Total number of deferred sends accepted",
		}),
		JobsFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgscheduler_jobs_fired_total",
			Help: "Total number of deferred sends whose timer fired",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgscheduler_jobs_cancelled_total",
			Help: "Total number of deferred sends cancelled before firing",
		}),
		JobsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgscheduler_jobs_dropped_total",
				Help: "Fired jobs dropped without a delivery attempt",
			},
			[]string{"reason"},
		),
		JobsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msgscheduler_jobs_pending",
			Help: "Number of jobs currently waiting for their fire time",
		}),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgscheduler_deliveries_total",
				Help: "Delivery attempts by result",
			},
			[]string{"result"},
		),
		CredentialsNearExpiry: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgscheduler_credentials_near_expiry_total",
			Help: "Credentials found inside the expiry skew window by the expiry monitor",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
