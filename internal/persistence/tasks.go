package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/nexusd/internal/bus"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrSubtaskNotFound   = errors.New("subtask not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing: no transition may
// ever leave completed, failed, or cancelled.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// allowedTransitions encodes the task state machine. The cancelled edge
// exists only from pending (staleness path); terminal states have no
// outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusInProgress: {},
		TaskStatusCompleted:  {},
		TaskStatusFailed:     {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
	},
}

// CanTransition reports whether from -> to is a legal status change.
// A no-op (from == to) is always permitted.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type SubtaskStatus string

const (
	SubtaskStatusPending   SubtaskStatus = "pending"
	SubtaskStatusRunning   SubtaskStatus = "running"
	SubtaskStatusCompleted SubtaskStatus = "completed"
	SubtaskStatusFailed    SubtaskStatus = "failed"
	SubtaskStatusCancelled SubtaskStatus = "cancelled"
)

// Timeline event types (append-only audit trail).
const (
	EventTaskCreated     = "task-created"
	EventProgressUpdate  = "progress-update"
	EventArtifactCreated = "artifact-created"
	EventTaskCompleted   = "task-completed"
	EventTaskFailed      = "task-failed"
)

// Task source channels.
const (
	SourceChat      = "chat"
	SourceAPI       = "api"
	SourceDashboard = "dashboard"
	SourceSystem    = "system"
)

type Task struct {
	ID                string     `json:"id"`
	UserMessage       string     `json:"user_message"`
	Source            string     `json:"source"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	Status            TaskStatus `json:"status"`
	Progress          int        `json:"progress"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Subtask struct {
	ID              int64         `json:"id"`
	TaskID          string        `json:"task_id"`
	AgentID         string        `json:"agent_id"`
	AgentName       string        `json:"agent_name"`
	Stage           string        `json:"stage,omitempty"`
	Status          SubtaskStatus `json:"status"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	DurationSeconds int64         `json:"duration_seconds"`
	TaskDescription string        `json:"task_description,omitempty"`
}

type Artifact struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	SubtaskID   *int64    `json:"subtask_id,omitempty"`
	FilePath    string    `json:"file_path"`
	FileType    string    `json:"file_type,omitempty"`
	FileSize    int64     `json:"file_size"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type TimelineEvent struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	EventType string          `json:"event_type"`
	Agent     string          `json:"agent,omitempty"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskFilter narrows ListTasks results. Zero values mean no filter;
// Limit defaults to 50.
type TaskFilter struct {
	Status TaskStatus
	Source string
	Limit  int
	Offset int
}

func validSource(source string) bool {
	switch source {
	case SourceChat, SourceAPI, SourceDashboard, SourceSystem:
		return true
	}
	return false
}

// CreateTask inserts a new pending task, appends the task-created timeline
// event, and publishes task.created on the bus.
func (s *Store) CreateTask(ctx context.Context, userMessage, source, externalID string) (Task, error) {
	if source == "" {
		source = SourceDashboard
	}
	if !validSource(source) {
		return Task{}, fmt.Errorf("create task: unknown source %q", source)
	}

	task := Task{
		ID:          uuid.NewString(),
		UserMessage: userMessage,
		Source:      source,
		Status:      TaskStatusPending,
		Progress:    0,
		CreatedAt:   time.Now().UTC(),
	}
	task.UpdatedAt = task.CreatedAt
	task.ExternalMessageID = externalID

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, user_message, source, external_message_id, status, progress, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.UserMessage, task.Source, nullString(externalID), task.Status, task.Progress, task.CreatedAt, task.UpdatedAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		details, _ := json.Marshal(map[string]any{"user_message": userMessage, "source": source})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO timeline_events (task_id, event_type, agent, message, details, created_at)
			VALUES (?, ?, 'system', 'Task created', ?, ?);
		`, task.ID, EventTaskCreated, string(details), task.CreatedAt); err != nil {
			return fmt.Errorf("insert task-created event: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
			TaskID:      task.ID,
			UserMessage: task.UserMessage,
			Source:      task.Source,
			Status:      string(task.Status),
			Progress:    task.Progress,
			CreatedAt:   task.CreatedAt,
		})
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_message, source, COALESCE(external_message_id, ''), status, progress, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.UserMessage, &t.Source, &t.ExternalMessageID, &t.Status, &t.Progress, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := `
		SELECT id, user_message, source, COALESCE(external_message_id, ''), status, progress, created_at, updated_at
		FROM tasks WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.UserMessage, &t.Source, &t.ExternalMessageID, &t.Status, &t.Progress, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListActiveTasks returns tasks still subject to reconciliation, newest first.
func (s *Store) ListActiveTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_message, source, COALESCE(external_message_id, ''), status, progress, created_at, updated_at
		FROM tasks
		WHERE status IN ('pending', 'in_progress')
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.UserMessage, &t.Source, &t.ExternalMessageID, &t.Status, &t.Progress, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan active task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active task rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountTasks(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// ExternalMessageSeen reports whether any task was already created from the
// given external message id. Used as a restart-surviving backstop behind the
// ingress classifier's in-memory cache.
func (s *Store) ExternalMessageSeen(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE external_message_id = ?;`, externalID).Scan(&count); err != nil {
		return false, fmt.Errorf("external message seen: %w", err)
	}
	return count > 0, nil
}

// ProgressUpdate carries the optional fields of an UpdateTaskProgress call.
// Nil fields are left unchanged.
type ProgressUpdate struct {
	Progress *int
	Status   *TaskStatus
}

// UpdateTaskProgress applies a guarded status/progress change in a single
// UPDATE statement and publishes the change on the bus. Illegal transitions
// (any edge out of a terminal state, or an edge the state machine does not
// define) return ErrInvalidTransition.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, update ProgressUpdate) (Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}

	newStatus := current.Status
	if update.Status != nil {
		newStatus = *update.Status
		if !CanTransition(current.Status, newStatus) {
			return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
		}
	}
	newProgress := current.Progress
	if update.Progress != nil {
		newProgress = clampProgress(*update.Progress)
	}

	if newStatus == current.Status && newProgress == current.Progress {
		return current, nil
	}

	now := time.Now().UTC()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, progress = ?, updated_at = ? WHERE id = ?;
		`, newStatus, newProgress, now, id)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("update task progress: %w", err)
	}

	updated := current
	updated.Status = newStatus
	updated.Progress = newProgress
	updated.UpdatedAt = now

	s.publishProgress(current.Status, updated, 0, 0)
	return updated, nil
}

func (s *Store) publishProgress(old TaskStatus, task Task, completed, total int) {
	if s.bus == nil {
		return
	}
	event := bus.TaskProgressEvent{
		TaskID:            task.ID,
		OldStatus:         string(old),
		NewStatus:         string(task.Status),
		Progress:          task.Progress,
		CompletedSubtasks: completed,
		TotalSubtasks:     total,
	}
	s.bus.Publish(bus.TopicTaskProgress, event)
	switch task.Status {
	case TaskStatusCompleted:
		if old != TaskStatusCompleted {
			s.bus.Publish(bus.TopicTaskCompleted, event)
		}
	case TaskStatusFailed:
		if old != TaskStatusFailed {
			s.bus.Publish(bus.TopicTaskFailed, event)
		}
	case TaskStatusCancelled:
		if old != TaskStatusCancelled {
			s.bus.Publish(bus.TopicTaskCancelled, event)
		}
	}
}

// ReconcileTask persists the outcome of one reconciliation pass: new status,
// progress, an optional timeline event, all in one transaction. The caller
// (monitor) has already validated the transition against the probe results;
// the guard here is the final defense for the absorbing-state invariant.
func (s *Store) ReconcileTask(ctx context.Context, id string, newStatus TaskStatus, progress int, eventType, eventMessage string, details any, completed, total int) (Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !CanTransition(current.Status, newStatus) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}
	progress = clampProgress(progress)
	if current.Status == newStatus && current.Progress == progress {
		return current, nil
	}

	now := time.Now().UTC()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reconcile tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, progress = ?, updated_at = ? WHERE id = ?;
		`, newStatus, progress, now, id); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		if eventType != "" {
			raw, err := marshalDetails(details)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO timeline_events (task_id, event_type, agent, message, details, created_at)
				VALUES (?, ?, 'system', ?, ?, ?);
			`, id, eventType, eventMessage, raw, now); err != nil {
				return fmt.Errorf("insert timeline event: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}

	updated := current
	updated.Status = newStatus
	updated.Progress = progress
	updated.UpdatedAt = now

	s.publishProgress(current.Status, updated, completed, total)
	return updated, nil
}

// AddSubtask registers an agent assignment on a task. The subtask starts in
// running state with start_time set to now.
func (s *Store) AddSubtask(ctx context.Context, taskID, agentID, agentName, stage, description string) (Subtask, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return Subtask{}, err
	}
	if agentName == "" {
		agentName = agentID
	}
	now := time.Now().UTC()

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO subtasks (task_id, agent_id, agent_name, stage, status, start_time, task_description)
			VALUES (?, ?, ?, ?, 'running', ?, ?);
		`, taskID, agentID, agentName, stage, now, description)
		if err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Subtask{}, err
	}

	return Subtask{
		ID:              id,
		TaskID:          taskID,
		AgentID:         agentID,
		AgentName:       agentName,
		Stage:           stage,
		Status:          SubtaskStatusRunning,
		StartTime:       &now,
		TaskDescription: description,
	}, nil
}

func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, agent_name, COALESCE(stage, ''), status, start_time, end_time,
		       COALESCE(duration_seconds, 0), COALESCE(task_description, '')
		FROM subtasks WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []Subtask
	for rows.Next() {
		var st Subtask
		var start, end sql.NullTime
		if err := rows.Scan(&st.ID, &st.TaskID, &st.AgentID, &st.AgentName, &st.Stage, &st.Status, &start, &end, &st.DurationSeconds, &st.TaskDescription); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		if start.Valid {
			t := start.Time
			st.StartTime = &t
		}
		if end.Valid {
			t := end.Time
			st.EndTime = &t
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subtask rows: %w", err)
	}
	return out, nil
}

// CompleteSubtask marks a subtask completed with its end time and duration.
// The update is a one-way ratchet: an already-completed subtask is left
// untouched and the call is a no-op.
func (s *Store) CompleteSubtask(ctx context.Context, id int64, completedAt time.Time, durationSeconds int64) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE subtasks SET status = 'completed', end_time = ?, duration_seconds = ?
			WHERE id = ? AND status != 'completed';
		`, completedAt.UTC(), durationSeconds, id)
		if err != nil {
			return fmt.Errorf("complete subtask: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either already completed (fine) or missing.
		var exists int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM subtasks WHERE id = ?;`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check subtask: %w", err)
		}
		if exists == 0 {
			return ErrSubtaskNotFound
		}
		return nil
	}

	if s.bus != nil {
		var taskID, agentID string
		if err := s.db.QueryRowContext(ctx, `SELECT task_id, agent_id FROM subtasks WHERE id = ?;`, id).Scan(&taskID, &agentID); err == nil {
			s.bus.Publish(bus.TopicSubtaskCompleted, bus.SubtaskCompletedEvent{
				TaskID:          taskID,
				SubtaskID:       id,
				AgentID:         agentID,
				DurationSeconds: durationSeconds,
			})
		}
	}
	return nil
}

// FailSubtask marks a subtask failed. Completed subtasks are never reverted.
func (s *Store) FailSubtask(ctx context.Context, id int64) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE subtasks SET status = 'failed', end_time = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed');
		`, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("fail subtask: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM subtasks WHERE id = ?;`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check subtask: %w", err)
		}
		if exists == 0 {
			return ErrSubtaskNotFound
		}
	}
	return nil
}

// ArtifactInput carries the fields for AddArtifact.
type ArtifactInput struct {
	TaskID      string
	SubtaskID   *int64
	FilePath    string
	FileType    string
	FileSize    int64
	Description string
	CreatedBy   string
}

// AddArtifact inserts an artifact row, appends the artifact-created timeline
// event, and publishes artifact.created. Artifacts are write-once.
func (s *Store) AddArtifact(ctx context.Context, in ArtifactInput) (Artifact, error) {
	if _, err := s.GetTask(ctx, in.TaskID); err != nil {
		return Artifact{}, err
	}
	if in.FilePath == "" {
		return Artifact{}, fmt.Errorf("add artifact: file_path is required")
	}
	now := time.Now().UTC()

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin artifact tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (task_id, subtask_id, file_path, file_type, file_size, description, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, in.TaskID, in.SubtaskID, in.FilePath, in.FileType, in.FileSize, in.Description, in.CreatedBy, now)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		agent := in.CreatedBy
		if agent == "" {
			agent = "system"
		}
		message := "Artifact created: " + in.FilePath
		if in.Description != "" {
			message = "Artifact created: " + in.Description
		}
		details, _ := json.Marshal(map[string]any{"artifact_id": id, "file_path": in.FilePath})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO timeline_events (task_id, event_type, agent, message, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, in.TaskID, EventArtifactCreated, agent, message, string(details), now); err != nil {
			return fmt.Errorf("insert artifact-created event: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Artifact{}, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicArtifactCreated, bus.ArtifactCreatedEvent{
			TaskID:     in.TaskID,
			ArtifactID: id,
			FilePath:   in.FilePath,
			CreatedBy:  in.CreatedBy,
		})
	}

	return Artifact{
		ID:          id,
		TaskID:      in.TaskID,
		SubtaskID:   in.SubtaskID,
		FilePath:    in.FilePath,
		FileType:    in.FileType,
		FileSize:    in.FileSize,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
	}, nil
}

func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, subtask_id, file_path, COALESCE(file_type, ''), COALESCE(file_size, 0),
		       COALESCE(description, ''), COALESCE(created_by, ''), created_at
		FROM artifacts WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var subtaskID sql.NullInt64
		if err := rows.Scan(&a.ID, &a.TaskID, &subtaskID, &a.FilePath, &a.FileType, &a.FileSize, &a.Description, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if subtaskID.Valid {
			v := subtaskID.Int64
			a.SubtaskID = &v
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifact rows: %w", err)
	}
	return out, nil
}

// AppendTimelineEvent adds one append-only audit entry for a task.
func (s *Store) AppendTimelineEvent(ctx context.Context, taskID, eventType, agent, message string, details any) (TimelineEvent, error) {
	if agent == "" {
		agent = "system"
	}
	raw, err := marshalDetails(details)
	if err != nil {
		return TimelineEvent{}, err
	}
	now := time.Now().UTC()

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO timeline_events (task_id, event_type, agent, message, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, eventType, agent, message, raw, now)
		if err != nil {
			return fmt.Errorf("insert timeline event: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return TimelineEvent{}, err
	}

	return TimelineEvent{
		ID:        id,
		TaskID:    taskID,
		EventType: eventType,
		Agent:     agent,
		Message:   message,
		Details:   json.RawMessage(raw),
		CreatedAt: now,
	}, nil
}

func (s *Store) ListTimelineEvents(ctx context.Context, taskID string) ([]TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, COALESCE(agent, ''), message, details, created_at
		FROM timeline_events WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		var details string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Agent, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		e.Details = json.RawMessage(details)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline rows: %w", err)
	}
	return out, nil
}

// CountTimelineEvents returns the number of events of the given type for a
// task.
func (s *Store) CountTimelineEvents(ctx context.Context, taskID, eventType string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM timeline_events WHERE task_id = ? AND event_type = ?;
	`, taskID, eventType).Scan(&count); err != nil {
		return 0, fmt.Errorf("count timeline events: %w", err)
	}
	return count, nil
}

// DeleteTask removes a task and transitively its subtasks, artifacts, and
// timeline events. The cascade is explicit: children go first, in one
// transaction, so a partial delete can never orphan rows.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range []string{
			`DELETE FROM artifacts WHERE task_id = ?;`,
			`DELETE FROM timeline_events WHERE task_id = ?;`,
			`DELETE FROM subtasks WHERE task_id = ?;`,
			`DELETE FROM tasks WHERE id = ?;`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}
		return tx.Commit()
	})
}

func marshalDetails(details any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	if raw, ok := details.(json.RawMessage); ok {
		if len(raw) == 0 {
			return "{}", nil
		}
		return string(raw), nil
	}
	out, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal event details: %w", err)
	}
	return string(out), nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
