// Package metrics carries the instance-lifecycle counters the control core
// exports, paired as expvar counters (for humans poking /debug/vars) and
// prometheus counters (for scraping).
package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eScheduleRequests = expvar.NewInt("schedule_requests")
	eInstancesRunning = expvar.NewInt("instances_running")
	eInstancesFailed  = expvar.NewInt("instances_failed")
	eInstancesEvicted = expvar.NewInt("instances_evicted")
	eReschedules      = expvar.NewInt("reschedules")
)

var (
	pScheduleRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "functionproxy",
		Subsystem: "controller",
		Name:      "schedule_requests_total",
		Help:      "Number of Schedule requests received, from any source.",
	})
	pInstancesRunning = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "functionproxy",
		Subsystem: "controller",
		Name:      "instances_running_total",
		Help:      "Number of instances that reached RUNNING.",
	})
	pInstancesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "functionproxy",
		Subsystem: "controller",
		Name:      "instances_failed_total",
		Help:      "Number of instances that reached FAILED or FATAL.",
	})
	pInstancesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "functionproxy",
		Subsystem: "controller",
		Name:      "instances_evicted_total",
		Help:      "Number of instances evicted by capacity reclaim.",
	})
	pReschedules = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "functionproxy",
		Subsystem: "controller",
		Name:      "reschedules_total",
		Help:      "Number of reschedule attempts initiated after a failure.",
	})
)

func init() {
	prometheus.MustRegister(pScheduleRequests, pInstancesRunning, pInstancesFailed, pInstancesEvicted, pReschedules)
}

// IncScheduleRequests records one Schedule call, regardless of outcome.
func IncScheduleRequests() { eScheduleRequests.Add(1); pScheduleRequests.Inc() }

// IncInstancesRunning records one instance reaching RUNNING.
func IncInstancesRunning() { eInstancesRunning.Add(1); pInstancesRunning.Inc() }

// IncInstancesFailed records one instance reaching FAILED or FATAL.
func IncInstancesFailed() { eInstancesFailed.Add(1); pInstancesFailed.Inc() }

// IncInstancesEvicted records one instance reaching EVICTED.
func IncInstancesEvicted() { eInstancesEvicted.Add(1); pInstancesEvicted.Inc() }

// IncReschedules records one reschedule attempt (not its outcome).
func IncReschedules() { eReschedules.Add(1); pReschedules.Inc() }
