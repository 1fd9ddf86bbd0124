package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all nexusd metric instruments.
type Metrics struct {
	TickDuration         metric.Float64Histogram
	TasksReconciled      metric.Int64Counter
	TasksCompleted       metric.Int64Counter
	TasksFailed          metric.Int64Counter
	NotificationsSent    metric.Int64Counter
	NotificationsDeduped metric.Int64Counter
	NotificationsFailed  metric.Int64Counter
	RequestDuration      metric.Float64Histogram
	ConnectedClients     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("nexusd.monitor.tick.duration",
		metric.WithDescription("Reconciliation tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReconciled, err = meter.Int64Counter("nexusd.monitor.tasks.reconciled",
		metric.WithDescription("Tasks whose status or progress changed during reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("nexusd.monitor.tasks.completed",
		metric.WithDescription("Tasks transitioned to completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("nexusd.monitor.tasks.failed",
		metric.WithDescription("Tasks transitioned to failed"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsSent, err = meter.Int64Counter("nexusd.notify.sent",
		metric.WithDescription("Outbound notifications delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsDeduped, err = meter.Int64Counter("nexusd.notify.deduped",
		metric.WithDescription("Notifications suppressed by the debounce cache"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsFailed, err = meter.Int64Counter("nexusd.notify.failed",
		metric.WithDescription("Outbound notification delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("nexusd.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectedClients, err = meter.Int64UpDownCounter("nexusd.gateway.ws.clients",
		metric.WithDescription("Currently connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
