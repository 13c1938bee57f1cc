// Package metrics exposes Prometheus counters for the alarm daemon. A nil
// *Engine is valid and drops every observation, so instrumented code never
// has to branch on whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Engine struct {
	fetchAttempts   prometheus.Counter
	fetchFailures   prometheus.Counter
	itemFailures    prometheus.Counter
	scheduledAlarms prometheus.Counter
	cancelledAlarms prometheus.Counter
}

func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		fetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilbox_fetch_attempts_total",
			Help: "Missed notification fetch attempts.",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilbox_fetch_failures_total",
			Help: "Missed notification fetches that failed terminally.",
		}),
		itemFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilbox_alarm_item_failures_total",
			Help: "Alarm notifications skipped due to per-item errors.",
		}),
		scheduledAlarms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilbox_alarm_occurrences_scheduled_total",
			Help: "Alarm occurrences handed to the platform scheduler.",
		}),
		cancelledAlarms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilbox_alarms_cancelled_total",
			Help: "Alarms cancelled on the platform scheduler.",
		}),
	}
	reg.MustRegister(m.fetchAttempts, m.fetchFailures, m.itemFailures, m.scheduledAlarms, m.cancelledAlarms)
	return m
}

func (m *Engine) FetchAttempt() {
	if m == nil {
		return
	}
	m.fetchAttempts.Inc()
}

func (m *Engine) FetchFailure() {
	if m == nil {
		return
	}
	m.fetchFailures.Inc()
}

func (m *Engine) ItemFailure() {
	if m == nil {
		return
	}
	m.itemFailures.Inc()
}

func (m *Engine) AlarmScheduled() {
	if m == nil {
		return
	}
	m.scheduledAlarms.Inc()
}

func (m *Engine) AlarmCancelled() {
	if m == nil {
		return
	}
	m.cancelledAlarms.Inc()
}
