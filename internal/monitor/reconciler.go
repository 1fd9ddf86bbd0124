// Package monitor reconciles task state against agent status records. A
// periodic tick walks every active task, probes its subtasks' agents on the
// filesystem, and folds the observed states into the task's aggregate
// status and progress.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/nexusd/internal/notify"
	"github.com/basket/nexusd/internal/otel"
	"github.com/basket/nexusd/internal/persistence"
	"github.com/basket/nexusd/internal/probe"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Prober reports the observed state of one agent.
type Prober interface {
	Status(agentID string) probe.Report
}

// Dispatcher receives notification-worthy reconciliation outcomes.
type Dispatcher interface {
	Dispatch(ctx context.Context, event notify.Event)
}

// Config holds the dependencies for the reconciler.
type Config struct {
	Store      *persistence.Store
	Prober     Prober
	Dispatcher Dispatcher // may be nil
	Logger     *slog.Logger
	Tracer     trace.Tracer  // may be nil
	Metrics    *otel.Metrics // may be nil

	// CronExpr schedules ticks; defaults to every 2 minutes.
	CronExpr string
	// StaleAfter is how long a pending task may sit with no subtasks
	// before it is cancelled. Defaults to 30 minutes.
	StaleAfter time.Duration
	// Nudges optionally triggers an early tick (fed by probe.Watcher).
	Nudges <-chan struct{}
}

// Reconciler drives periodic status reconciliation.
type Reconciler struct {
	store      *persistence.Store
	prober     Prober
	dispatcher Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics

	cronExpr   string
	staleAfter time.Duration
	nudges     <-chan struct{}

	// tickMu serializes ticks. Overlapping triggers (timer, nudge, manual
	// check endpoint) coalesce by waiting their turn.
	tickMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("monitor: store is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("monitor: prober is required")
	}
	cronExpr := cfg.CronExpr
	if cronExpr == "" {
		cronExpr = "*/2 * * * *"
	}
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return nil, fmt.Errorf("monitor: parse cron expression %q: %w", cronExpr, err)
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:      cfg.Store,
		prober:     cfg.Prober,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		cronExpr:   cronExpr,
		staleAfter: staleAfter,
		nudges:     cfg.Nudges,
	}, nil
}

// Start begins the tick loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("monitor started", "cron_expr", r.cronExpr, "stale_after", r.staleAfter)
}

// Stop cancels the tick loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("monitor stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	schedule, err := cronParser.Parse(r.cronExpr)
	if err != nil {
		// Validated in New; unreachable.
		r.logger.Error("monitor: cron parse failed", "error", err)
		return
	}

	// Reconcile once on startup, then per schedule.
	if _, err := r.CheckAll(ctx); err != nil {
		r.logger.Error("monitor: initial tick failed", "error", err)
	}

	timer := time.NewTimer(time.Until(schedule.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := r.CheckAll(ctx); err != nil {
				r.logger.Error("monitor: tick failed", "error", err)
			}
			timer.Reset(time.Until(schedule.Next(time.Now())))
		case _, ok := <-r.nudges:
			if !ok {
				r.nudges = nil
				continue
			}
			if _, err := r.CheckAll(ctx); err != nil {
				r.logger.Error("monitor: nudged tick failed", "error", err)
			}
		}
	}
}

// TickSummary reports what one reconciliation pass did.
type TickSummary struct {
	Checked   int `json:"checked"`
	Updated   int `json:"updated"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CheckAll reconciles every active task. A failure on one task is logged
// and does not abort the remaining tasks.
func (r *Reconciler) CheckAll(ctx context.Context) (TickSummary, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := time.Now()
	if r.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, r.tracer, "monitor.tick")
		defer span.End()
	}

	tasks, err := r.store.ListActiveTasks(ctx)
	if err != nil {
		return TickSummary{}, fmt.Errorf("list active tasks: %w", err)
	}

	summary := TickSummary{Checked: len(tasks)}
	for _, task := range tasks {
		result, err := r.checkTask(ctx, task)
		if err != nil {
			r.logger.Error("monitor: task check failed", "task_id", task.ID, "error", err)
			continue
		}
		if !result.Updated {
			continue
		}
		summary.Updated++
		switch result.Status {
		case persistence.TaskStatusCompleted:
			summary.Completed++
		case persistence.TaskStatusFailed:
			summary.Failed++
		}
	}

	if r.metrics != nil {
		r.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
		r.metrics.TasksReconciled.Add(ctx, int64(summary.Updated))
		r.metrics.TasksCompleted.Add(ctx, int64(summary.Completed))
		r.metrics.TasksFailed.Add(ctx, int64(summary.Failed))
	}

	if summary.Updated > 0 {
		r.logger.Info("monitor: tick",
			"checked", summary.Checked,
			"updated", summary.Updated,
			"completed", summary.Completed,
			"failed", summary.Failed,
		)
	} else {
		r.logger.Debug("monitor: tick, no changes", "checked", summary.Checked)
	}
	return summary, nil
}

// CheckTask reconciles a single task by id, for the manual check endpoint.
func (r *Reconciler) CheckTask(ctx context.Context, id string) (CheckResult, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	task, err := r.store.GetTask(ctx, id)
	if err != nil {
		return CheckResult{}, err
	}
	return r.checkTask(ctx, task)
}

// CheckResult is the outcome of reconciling one task.
type CheckResult struct {
	Status            persistence.TaskStatus `json:"status"`
	Progress          int                    `json:"progress"`
	CompletedSubtasks int                    `json:"completed_subtasks"`
	TotalSubtasks     int                    `json:"total_subtasks"`
	Updated           bool                   `json:"updated"`
}

func (r *Reconciler) checkTask(ctx context.Context, task persistence.Task) (CheckResult, error) {
	unchanged := CheckResult{Status: task.Status, Progress: task.Progress}

	// Terminal tasks never leave their state.
	if task.Status.IsTerminal() {
		return unchanged, nil
	}

	subtasks, err := r.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("list subtasks: %w", err)
	}

	if len(subtasks) == 0 {
		if task.Status == persistence.TaskStatusPending && time.Since(task.CreatedAt) > r.staleAfter {
			if _, err := r.store.ReconcileTask(ctx, task.ID, persistence.TaskStatusCancelled,
				task.Progress, "", "", nil, 0, 0); err != nil {
				return CheckResult{}, fmt.Errorf("cancel stale task: %w", err)
			}
			r.logger.Info("monitor: cancelled stale task",
				"task_id", task.ID,
				"age", time.Since(task.CreatedAt).Round(time.Minute),
			)
			return CheckResult{Status: persistence.TaskStatusCancelled, Progress: task.Progress, Updated: true}, nil
		}
		return unchanged, nil
	}

	var completed, running, failed int
	now := time.Now().UTC()
	for i, st := range subtasks {
		// Once the store has ratcheted a subtask to completed it stays
		// counted, even if its status record later vanishes. Only
		// unfinished subtasks are probed.
		if st.Status == persistence.SubtaskStatusCompleted {
			completed++
			continue
		}
		report := r.prober.Status(st.AgentID)
		switch report.State {
		case probe.StateCompleted:
			completed++
			completedAt := report.CompletedAt
			if completedAt.IsZero() {
				completedAt = now
			}
			if err := r.store.CompleteSubtask(ctx, st.ID, completedAt, report.DurationSeconds); err != nil {
				r.logger.Warn("monitor: subtask complete failed", "subtask_id", st.ID, "error", err)
			} else {
				r.notifyStage(ctx, task, st, i+1, len(subtasks), report.DurationSeconds)
			}
		case probe.StateRunning:
			running++
		case probe.StateError:
			failed++
			if st.Status != persistence.SubtaskStatusFailed {
				if err := r.store.FailSubtask(ctx, st.ID); err != nil {
					r.logger.Warn("monitor: subtask fail failed", "subtask_id", st.ID, "error", err)
				}
			}
		case probe.StateAbsent:
			// Not started yet, or the record is unreadable. Keep as-is.
		}
	}

	total := len(subtasks)
	progress := int(math.Round(float64(completed) / float64(total) * 100))

	newStatus := task.Status
	switch {
	case failed > 0 && failed == total:
		newStatus = persistence.TaskStatusFailed
	case completed == total:
		newStatus = persistence.TaskStatusCompleted
	case completed > 0 || running > 0:
		newStatus = persistence.TaskStatusInProgress
	}

	if newStatus == task.Status && progress == task.Progress {
		return CheckResult{Status: task.Status, Progress: task.Progress, CompletedSubtasks: completed, TotalSubtasks: total}, nil
	}

	// Every persisted change leaves a timeline entry: task-completed
	// exactly once, on the edge into completed; progress-update otherwise.
	eventType := persistence.EventProgressUpdate
	eventMessage := fmt.Sprintf("Status %s, progress %d%%", newStatus, progress)
	details := map[string]any{"completed_subtasks": completed, "total_subtasks": total}
	if newStatus == persistence.TaskStatusCompleted && task.Status != persistence.TaskStatusCompleted {
		eventType = persistence.EventTaskCompleted
		eventMessage = "Task completed automatically"
	}

	updated, err := r.store.ReconcileTask(ctx, task.ID, newStatus, progress, eventType, eventMessage, details, completed, total)
	if err != nil {
		return CheckResult{}, fmt.Errorf("persist reconciliation: %w", err)
	}

	r.notifyChange(ctx, task, updated, completed, total, failed)

	return CheckResult{
		Status:            updated.Status,
		Progress:          updated.Progress,
		CompletedSubtasks: completed,
		TotalSubtasks:     total,
		Updated:           true,
	}, nil
}

// notifyStage reports a freshly ratcheted subtask. Not forced: rapid
// back-to-back stage completions collapse in the dedup window.
func (r *Reconciler) notifyStage(ctx context.Context, task persistence.Task, st persistence.Subtask, stage, total int, durationSeconds int64) {
	if r.dispatcher == nil {
		return
	}
	r.dispatcher.Dispatch(ctx, notify.Event{
		Kind:            notify.KindStageCompleted,
		TaskID:          task.ID,
		UserMessage:     task.UserMessage,
		StageNumber:     stage,
		TotalStages:     total,
		AgentName:       st.AgentName,
		StageTask:       st.TaskDescription,
		DurationSeconds: durationSeconds,
	})
}

func (r *Reconciler) notifyChange(ctx context.Context, old persistence.Task, updated persistence.Task, completed, total, failed int) {
	if r.dispatcher == nil {
		return
	}
	switch {
	case updated.Status == persistence.TaskStatusCompleted && old.Status != persistence.TaskStatusCompleted:
		artifacts, err := r.store.ListArtifacts(ctx, updated.ID)
		if err != nil {
			r.logger.Warn("monitor: list artifacts for notification", "task_id", updated.ID, "error", err)
		}
		r.dispatcher.Dispatch(ctx, notify.Event{
			Kind:                 notify.KindTaskCompleted,
			TaskID:               updated.ID,
			UserMessage:          updated.UserMessage,
			TotalDurationSeconds: int64(updated.UpdatedAt.Sub(updated.CreatedAt).Seconds()),
			ArtifactCount:        len(artifacts),
			Force:                true,
		})
	case updated.Status == persistence.TaskStatusFailed && old.Status != persistence.TaskStatusFailed:
		r.dispatcher.Dispatch(ctx, notify.Event{
			Kind:         notify.KindTaskFailed,
			TaskID:       updated.ID,
			UserMessage:  updated.UserMessage,
			ErrorMessage: fmt.Sprintf("%d of %d agents reported errors", failed, total),
			Force:        true,
		})
	}
}
