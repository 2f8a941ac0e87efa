package task

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/katha-begin/shotsync/internal/metrics"
)

// Store persists tasks and items in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a task and its items in one transaction. A missing task
// ID is generated.
func (s *Store) Create(ctx context.Context, t *Task, items []Item) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_create", time.Since(start)) }()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.CreatedAt = time.Now()
	t.TotalItems = len(items)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_tasks
		 (id, endpoint_id, direction, status, version_strategy, conflict_strategy,
		  total_items, total_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.EndpointID, t.Direction, t.Status, t.VersionStrategy, t.ConflictStrategy,
		t.TotalItems, t.TotalBytes, t.CreatedAt); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for i := range items {
		item := &items[i]
		item.TaskID = t.ID
		if item.Status == "" {
			item.Status = ItemPending
		}
		err := tx.QueryRowContext(ctx,
			`INSERT INTO sync_task_items
			 (task_id, episode, sequence, shot, department, remote_path, local_path,
			  selected_version, available_versions, status, total_bytes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id`,
			item.TaskID, item.Episode, item.Sequence, item.Shot, item.Department,
			item.RemotePath, item.LocalPath, item.SelectedVersion,
			pq.Array(item.AvailableVersions), item.Status, item.TotalBytes,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert item %s/%s/%s: %w", item.Episode, item.Sequence, item.Shot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const taskColumns = `id, endpoint_id, direction, status, version_strategy, conflict_strategy,
	total_items, completed_items, failed_items, skipped_items, total_bytes, bytes_done,
	error_message, created_at, started_at, finished_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var errMsg sql.NullString
	var started, finished sql.NullTime
	err := row.Scan(&t.ID, &t.EndpointID, &t.Direction, &t.Status,
		&t.VersionStrategy, &t.ConflictStrategy,
		&t.TotalItems, &t.CompletedItems, &t.FailedItems, &t.SkippedItems,
		&t.TotalBytes, &t.BytesDone,
		&errMsg, &t.CreatedAt, &started, &finished)
	if err != nil {
		return Task{}, err
	}
	t.ErrorMessage = errMsg.String
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if finished.Valid {
		t.FinishedAt = &finished.Time
	}
	return t, nil
}

// Get fetches a task by ID. ok=false means no such task.
func (s *Store) Get(ctx context.Context, id string) (Task, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_get", time.Since(start)) }()

	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("query task %s: %w", id, err)
	}
	return t, true, nil
}

// List returns tasks newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]Task, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_list", time.Since(start)) }()

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM sync_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task; items go with it via cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_delete", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// UpdateStatus moves a task through its lifecycle, stamping start/finish
// times and the error message as appropriate.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_update_status", time.Since(start)) }()

	now := time.Now()
	var err error
	switch status {
	case StatusRunning:
		_, err = s.db.ExecContext(ctx,
			`UPDATE sync_tasks SET status = $2, started_at = $3 WHERE id = $1`,
			id, status, now)
	case StatusCompleted, StatusFailed, StatusCancelled:
		_, err = s.db.ExecContext(ctx,
			`UPDATE sync_tasks SET status = $2, error_message = NULLIF($3, ''), finished_at = $4 WHERE id = $1`,
			id, status, errMsg, now)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE sync_tasks SET status = $2 WHERE id = $1`, id, status)
	}
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	return nil
}

// UpdateProgress updates a task's aggregate counters.
func (s *Store) UpdateProgress(ctx context.Context, id string, completed, failed, skipped int, bytesDone int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_update_progress", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET completed_items = $2, failed_items = $3, skipped_items = $4, bytes_done = $5
		 WHERE id = $1`,
		id, completed, failed, skipped, bytesDone); err != nil {
		return fmt.Errorf("update task %s progress: %w", id, err)
	}
	return nil
}

// Items returns a task's items in insertion order.
func (s *Store) Items(ctx context.Context, taskID string) ([]Item, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_items", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, episode, sequence, shot, department, remote_path, local_path,
		        selected_version, available_versions, status, total_bytes, bytes_done, error_message
		 FROM sync_task_items WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var errMsg sql.NullString
		if err := rows.Scan(&item.ID, &item.TaskID,
			&item.Episode, &item.Sequence, &item.Shot, &item.Department,
			&item.RemotePath, &item.LocalPath, &item.SelectedVersion,
			pq.Array(&item.AvailableVersions),
			&item.Status, &item.TotalBytes, &item.BytesDone, &errMsg); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.ErrorMessage = errMsg.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItem records an item's status, byte count and error message.
func (s *Store) UpdateItem(ctx context.Context, id int64, status ItemStatus, bytesDone int64, errMsg string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("item_update", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_task_items SET status = $2, bytes_done = $3, error_message = NULLIF($4, '')
		 WHERE id = $1`,
		id, status, bytesDone, errMsg); err != nil {
		return fmt.Errorf("update item %d: %w", id, err)
	}
	return nil
}

// RetrySkipped resets a task's skipped items to pending and re-opens the
// task for execution. Returns the number of items reset.
func (s *Store) RetrySkipped(ctx context.Context, taskID string) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("task_retry_skipped", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_task_items SET status = $2, error_message = NULL
		 WHERE task_id = $1 AND status = $3`,
		taskID, ItemPending, ItemSkipped)
	if err != nil {
		return 0, fmt.Errorf("reset skipped items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sync_tasks SET status = $2, skipped_items = 0, finished_at = NULL WHERE id = $1`,
			taskID, StatusPending); err != nil {
			return 0, fmt.Errorf("reopen task %s: %w", taskID, err)
		}
	}
	return int(n), nil
}
