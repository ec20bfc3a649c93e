package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentbus/internal/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// allowedTransitions is one-directional: no retries, no resurrection of
// terminal tasks. A failed dispatch requires a new mention to re-trigger.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning: {},
		TaskStatusFailed:  {}, // killed or export failure before launch
		TaskStatusTimeout: {}, // caller-side waitFor deadline
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusTimeout:   {},
	},
}

// IsTerminal reports whether a status has no outgoing transitions.
func (st TaskStatus) IsTerminal() bool {
	return len(allowedTransitions[st]) == 0
}

// Task is one dispatched unit of work tied to a mentioned identity and its
// source channel. Tasks are never deleted, only superseded.
type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	ChannelID   string     `json:"channel_id,omitempty"`
	Input       string     `json:"input"`
	Output      string     `json:"output,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	Status      TaskStatus `json:"status"`
	PID         int        `json:"pid,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration is completed_at - started_at, zero unless both are set.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

const taskColumns = `id, agent_id, COALESCE(channel_id, ''), input, COALESCE(output, ''),
	COALESCE(stderr, ''), status, COALESCE(pid, 0), created_at, started_at, completed_at`

// CreateTask inserts a pending task for a mentioned identity.
func (s *Store) CreateTask(ctx context.Context, agentID, channelID, input string) (string, error) {
	id := uuid.NewString()
	var channelArg any
	if channelID != "" {
		channelArg = channelID
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, channel_id, input, status)
			VALUES (?, ?, ?, ?, ?);
		`, id, agentID, channelArg, input, TaskStatusPending)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	s.publishTaskChange(id, agentID, "", TaskStatusPending)
	return id, nil
}

// MarkTaskRunning moves a pending task to running and records launch time and
// child process id.
func (s *Store) MarkTaskRunning(ctx context.Context, id string, pid int) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskStatusPending}, TaskStatusRunning, `
		UPDATE tasks SET status = ?, pid = ?, started_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, TaskStatusRunning, pid, id, TaskStatusPending)
}

// CompleteTask records worker stdout and finishes the task.
func (s *Store) CompleteTask(ctx context.Context, id, output string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskStatusRunning}, TaskStatusCompleted, `
		UPDATE tasks SET status = ?, output = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, TaskStatusCompleted, output, id, TaskStatusRunning)
}

// FailTask records worker stderr and finishes the task as failed.
func (s *Store) FailTask(ctx context.Context, id, stderr string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskStatusPending, TaskStatusRunning}, TaskStatusFailed, `
		UPDATE tasks SET status = ?, stderr = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?);
	`, TaskStatusFailed, stderr, id, TaskStatusPending, TaskStatusRunning)
}

// TimeoutTask finishes the task as timed out with a synthetic stderr. Used
// both when the worker exceeds its budget and when a waitFor caller gives up.
func (s *Store) TimeoutTask(ctx context.Context, id, stderr string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskStatusPending, TaskStatusRunning}, TaskStatusTimeout, `
		UPDATE tasks SET status = ?, stderr = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?);
	`, TaskStatusTimeout, stderr, id, TaskStatusPending, TaskStatusRunning)
}

func (s *Store) transitionTask(ctx context.Context, id string, from []TaskStatus, to TaskStatus, query string, args ...any) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := allowedTransitions[task.Status][to]; !ok {
		return fmt.Errorf("task %s: %s -> %s: %w", id, task.Status, to, ErrInvalidTransition)
	}

	var res sql.Result
	err = retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost a race with a concurrent transition.
		return fmt.Errorf("task %s: -> %s: %w", id, to, ErrInvalidTransition)
	}
	s.publishTaskChange(id, task.AgentID, task.Status, to)
	return nil
}

func (s *Store) publishTaskChange(id, agentID string, from, to TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChange, bus.TaskStateChangedEvent{
		TaskID:    id,
		AgentID:   agentID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
	switch to {
	case TaskStatusCompleted:
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: id, AgentID: agentID, NewStatus: string(to)})
	case TaskStatusFailed, TaskStatusTimeout:
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: id, AgentID: agentID, NewStatus: string(to)})
	}
}

// GetTask looks up a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, id)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns tasks newest-first, optionally filtered by agent and/or
// channel. limit <= 0 means 50.
func (s *Store) ListTasks(ctx context.Context, agentID, channelID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTask(scan func(...any) error, t *Task) error {
	var (
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := scan(&t.ID, &t.AgentID, &t.ChannelID, &t.Input, &t.Output, &t.Stderr,
		&status, &t.PID, &t.CreatedAt, &startedAt, &completedAt); err != nil {
		return err
	}
	t.Status = TaskStatus(status)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return nil
}
