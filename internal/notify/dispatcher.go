package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/nexusd/internal/otel"
)

// Notifier sends one rendered message to a recipient. Implementations live
// in internal/channels.
type Notifier interface {
	Send(ctx context.Context, recipient, message string) error
}

// Kind identifies which lifecycle moment an event describes.
type Kind string

const (
	KindTaskCreated    Kind = "task_created"
	KindStageStarted   Kind = "stage_started"
	KindStageCompleted Kind = "stage_completed"
	KindTaskCompleted  Kind = "task_completed"
	KindTaskFailed     Kind = "task_failed"
	KindTaskError      Kind = "task_error"
)

// Event is one notification-worthy moment in a task's lifecycle.
type Event struct {
	Kind        Kind
	TaskID      string
	UserMessage string

	// Stage fields, used by stage_started / stage_completed / task_error.
	StageNumber int
	TotalStages int
	AgentName   string
	StageTask   string

	DurationSeconds      int64
	TotalDurationSeconds int64
	ArtifactCount        int
	ErrorMessage         string

	// Force bypasses the dedup window (terminal events use this).
	Force bool
}

// Options configures a Dispatcher.
type Options struct {
	Enabled      bool
	Recipient    string
	DashboardURL string
	SendTimeout  time.Duration
	Logger       *slog.Logger
	Metrics      *otel.Metrics
}

// Dispatcher renders events to chat messages and hands them to a Notifier.
// All sends are fire-and-forget from the caller's point of view: a failed
// or suppressed send is logged and counted, never propagated.
type Dispatcher struct {
	notifier     Notifier
	deduper      *Deduper
	enabled      bool
	recipient    string
	dashboardURL string
	sendTimeout  time.Duration
	logger       *slog.Logger
	metrics      *otel.Metrics
}

func NewDispatcher(notifier Notifier, deduper *Deduper, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier:     notifier,
		deduper:      deduper,
		enabled:      opts.Enabled,
		recipient:    opts.Recipient,
		dashboardURL: opts.DashboardURL,
		sendTimeout:  timeout,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

// Dispatch renders and sends one event. It never returns an error; the
// reconciler must not care whether the chat provider is reachable.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if !d.enabled || d.notifier == nil || d.recipient == "" {
		return
	}

	message := d.render(event)
	if message == "" {
		return
	}

	allowed := false
	if d.deduper == nil {
		allowed = true
	} else if event.Force {
		allowed = d.deduper.ShouldSendForce(d.recipient, message)
	} else {
		allowed = d.deduper.ShouldSend(d.recipient, message)
	}
	if !allowed {
		d.logger.Debug("notification suppressed by dedup window", "kind", event.Kind, "task_id", event.TaskID)
		if d.metrics != nil {
			d.metrics.NotificationsDeduped.Add(ctx, 1)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.notifier.Send(sendCtx, d.recipient, message); err != nil {
		d.logger.Warn("notification send failed",
			"kind", event.Kind,
			"task_id", event.TaskID,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.NotificationsFailed.Add(ctx, 1)
		}
		return
	}

	d.logger.Debug("notification sent", "kind", event.Kind, "task_id", event.TaskID)
	if d.metrics != nil {
		d.metrics.NotificationsSent.Add(ctx, 1)
	}
}

func (d *Dispatcher) render(event Event) string {
	switch event.Kind {
	case KindTaskCreated:
		return fmt.Sprintf(
			"🎯 *New task created!*\n\n"+
				"ID: #%s\n"+
				"Request: \"%s\"\n\n"+
				"⏳ Dispatching agents...\n"+
				"📊 Follow along: %s",
			shortID(event.TaskID), truncate(event.UserMessage, 80), d.dashboardURL)

	case KindStageStarted:
		return fmt.Sprintf(
			"🔄 *Stage %d/%d*\n\n"+
				"🤖 Agent: %s\n"+
				"📝 Task: %s\n\n"+
				"⏳ Running...",
			event.StageNumber, event.TotalStages, event.AgentName, event.StageTask)

	case KindStageCompleted:
		tail := "🚀 Moving on to the next stage..."
		if event.StageNumber >= event.TotalStages {
			tail = "🏁 Wrapping up..."
		}
		return fmt.Sprintf(
			"✅ *Stage %d/%d complete!*\n\n"+
				"🤖 Agent: %s\n"+
				"⏱️ Duration: %ds\n\n%s",
			event.StageNumber, event.TotalStages, event.AgentName, event.DurationSeconds, tail)

	case KindTaskCompleted:
		return fmt.Sprintf(
			"🎉 *Task complete!* 🎉\n\n"+
				"ID: #%s\n"+
				"⏱️ Total time: %dmin\n"+
				"📦 Artifacts: %d files\n\n"+
				"✅ All agents finished successfully!\n\n"+
				"📊 See the result: %s",
			shortID(event.TaskID), event.TotalDurationSeconds/60, event.ArtifactCount, d.dashboardURL)

	case KindTaskFailed:
		return fmt.Sprintf(
			"❌ *Task failed*\n\n"+
				"ID: #%s\n"+
				"⚠️ %s",
			shortID(event.TaskID), truncate(event.ErrorMessage, 100))

	case KindTaskError:
		return fmt.Sprintf(
			"❌ *Error in stage %d*\n\n"+
				"🤖 Agent: %s\n"+
				"⚠️ Error: %s\n\n"+
				"🔧 Attempting recovery...",
			event.StageNumber, event.AgentName, truncate(event.ErrorMessage, 100))
	}
	return ""
}

// shortID returns the last 6 characters of a task id for chat display.
func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
