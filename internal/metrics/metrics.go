// Package metrics exports refresh and broadcast activity to Prometheus. It
// learns about activity from the event bus only.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"livedash/internal/eventbus"
	logx "livedash/pkg/logx"
)

const namespace = "livedash"

type Metrics struct {
	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	refreshRunning  prometheus.Gauge
	discarded       prometheus.Counter
	backoffLevel    *prometheus.GaugeVec

	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	writeErrors prometheus.Counter
	connections prometheus.Gauge

	tasksDropped  prometheus.Counter
	tasksPanicked prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "widget_refreshes_total",
			Help:      "Completed widget refreshes by outcome.",
		}, []string{"outcome", "forced"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "widget_refresh_duration_seconds",
			Help:      "Script execution time of widget refreshes.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		refreshRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "widget_refreshes_running",
			Help:      "Widget refreshes currently executing.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "widget_refreshes_discarded_total",
			Help:      "Refresh results dropped because the widget was cancelled or rescheduled.",
		}),
		backoffLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "widget_backoff_level",
			Help:      "Current backoff level per widget.",
		}, []string{"widget"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Events published to dashboards by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Events dropped from slow viewers' queues by kind.",
		}, []string{"kind"}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_write_errors_total",
			Help:      "Viewer connections dropped after a failed write.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewer_connections",
			Help:      "Open viewer connections.",
		}),
		tasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_dropped_total",
			Help:      "Tasks rejected by the worker pool.",
		}),
		tasksPanicked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_task_panics_total",
			Help:      "Tasks that panicked in the worker pool.",
		}),
	}
	reg.MustRegister(
		m.refreshes, m.refreshDuration, m.refreshRunning, m.discarded, m.backoffLevel,
		m.published, m.dropped, m.writeErrors, m.connections,
		m.tasksDropped, m.tasksPanicked,
	)
	return m
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case eventbus.RefreshStarted:
		m.refreshRunning.Inc()
	case eventbus.RefreshFinished, eventbus.RefreshDiscarded:
		m.refreshRunning.Dec()
		ev, ok := e.Data.(eventbus.RefreshEvent)
		if !ok {
			return
		}
		if e.Type == eventbus.RefreshDiscarded {
			m.discarded.Inc()
			return
		}
		forced := "false"
		if ev.Forced {
			forced = "true"
		}
		m.refreshes.WithLabelValues(ev.Outcome, forced).Inc()
		m.refreshDuration.WithLabelValues(ev.Outcome).Observe(ev.Duration.Seconds())
		m.backoffLevel.WithLabelValues(ev.WidgetID).Set(float64(ev.Backoff))
	case eventbus.BroadcastPublished:
		if ev, ok := e.Data.(eventbus.BroadcastEvent); ok {
			m.published.WithLabelValues(ev.Kind).Inc()
		}
	case eventbus.BroadcastDropped:
		if ev, ok := e.Data.(eventbus.BroadcastEvent); ok {
			m.dropped.WithLabelValues(ev.Kind).Inc()
		}
	case eventbus.BroadcastFailed:
		m.writeErrors.Inc()
	case eventbus.ConnectionOpened:
		m.connections.Inc()
	case eventbus.ConnectionClosed:
		m.connections.Dec()
	case eventbus.TaskDropped:
		m.tasksDropped.Inc()
	case eventbus.TaskPanicked:
		m.tasksPanicked.Inc()
	}
}

// Forget drops per-widget series of a removed widget.
func (m *Metrics) Forget(widgetID string) {
	if m == nil {
		return
	}
	m.backoffLevel.DeleteLabelValues(widgetID)
}

// Run feeds bus events into m until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(1024, "refresh.", "broadcast.", "connection.", "task.")
	defer unsub()
	log.Debug("metrics collector started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
