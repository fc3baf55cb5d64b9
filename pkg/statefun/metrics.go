package statefun

import "github.com/prometheus/client_golang/prometheus"

const namespace = "statefun"

type metrics struct {
	invocations     *prometheus.CounterVec
	timersScheduled prometheus.Counter
	timersFired     prometheus.Counter
	timersCancelled prometheus.Counter
	activations     prometheus.Gauge
	pendingTimers   prometheus.Gauge
	backgroundTasks prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Function invocations by function type and result.",
		}, []string{"function", "result"}),
		timersScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_scheduled_total",
			Help:      "Delayed messages accepted into a timer queue.",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Delayed messages delivered after their delay.",
		}),
		timersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_cancelled_total",
			Help:      "Delayed messages dropped because their activation was torn down.",
		}),
		activations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activations",
			Help:      "Function instances currently activated.",
		}),
		pendingTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_timers",
			Help:      "Delayed messages waiting in timer queues.",
		}),
		backgroundTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_tasks",
			Help:      "Functions started with Context.Go that have not returned yet.",
		}),
	}

	registerer.MustRegister(
		m.invocations,
		m.timersScheduled,
		m.timersFired,
		m.timersCancelled,
		m.activations,
		m.pendingTimers,
		m.backgroundTasks,
	)

	return m
}
