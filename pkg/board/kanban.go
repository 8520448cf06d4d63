package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/types"
)

// KanbanBoard is a sqlite-backed Board provider. It doubles as the system
// of record in single-box deployments: human tooling edits the same
// database the coordinator polls, which is exactly the out-of-band traffic
// the reversion monitor exists to absorb.
type KanbanBoard struct {
	db     *sql.DB
	dbPath string
}

// NewKanbanBoard opens (or creates) the task database at dbPath.
func NewKanbanBoard(dbPath string) (*KanbanBoard, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create board db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open board db: %w", err)
	}

	b := &KanbanBoard{db: db, dbPath: dbPath}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init board schema: %w", err)
	}

	log.WithComponent("board").Info().Str("db_path", dbPath).Msg("kanban board opened")
	return b, nil
}

func (b *KanbanBoard) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT DEFAULT 'todo',
		priority TEXT DEFAULT 'medium',
		assigned_to TEXT DEFAULT '',
		dependencies TEXT DEFAULT '[]',
		labels TEXT DEFAULT '[]',
		estimated_hours REAL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);

	CREATE TABLE IF NOT EXISTS task_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id);

	CREATE TABLE IF NOT EXISTS task_implementations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_implementations_task ON task_implementations(task_id);
	`
	_, err := b.db.Exec(schema)
	return err
}

// CreateTask inserts a task. Used by seeding tools and tests; the
// coordinator itself never creates tasks.
func (b *KanbanBoard) CreateTask(ctx context.Context, task *types.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskStatusTodo
	}
	if task.Priority == "" {
		task.Priority = types.PriorityMedium
	}

	depsJSON, _ := json.Marshal(task.Dependencies)
	labelsJSON, _ := json.Marshal(task.Labels)

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, status, priority, assigned_to,
			dependencies, labels, estimated_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.Description, string(task.Status), string(task.Priority),
		task.AssignedTo, string(depsJSON), string(labelsJSON), task.EstimatedHours,
		task.CreatedAt.Format(time.RFC3339), task.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (*types.Task, error) {
	var t types.Task
	var status, priority, depsJSON, labelsJSON, createdAt, updatedAt string
	err := scan(&t.ID, &t.Name, &t.Description, &status, &priority, &t.AssignedTo,
		&depsJSON, &labelsJSON, &t.EstimatedHours, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.Priority = types.Priority(priority)
	if err := json.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
		t.Dependencies = nil
	}
	if err := json.Unmarshal([]byte(labelsJSON), &t.Labels); err != nil {
		t.Labels = nil
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

const taskColumns = `id, name, description, status, priority, assigned_to,
	dependencies, labels, estimated_hours, created_at, updated_at`

// ListTasks returns the full board snapshot in one query.
func (b *KanbanBoard) ListTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (b *KanbanBoard) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownTask, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
	}
	return t, nil
}

func (b *KanbanBoard) UpdateTask(ctx context.Context, taskID string, patch types.TaskPatch) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	if patch.Status != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(*patch.Status), now, taskID); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
	}
	if patch.AssignedTo != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET assigned_to = ?, updated_at = ? WHERE id = ?`,
			*patch.AssignedTo, now, taskID); err != nil {
			return fmt.Errorf("update assignee: %w", err)
		}
	}
	if patch.Comment != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_comments (task_id, content, created_at) VALUES (?, ?, ?)`,
			taskID, patch.Comment, now); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
	}

	return tx.Commit()
}

func (b *KanbanBoard) AddComment(ctx context.Context, taskID string, text string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO task_comments (task_id, content, created_at) VALUES (?, ?, ?)`,
		taskID, text, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (b *KanbanBoard) ImplementationHistory(ctx context.Context, taskID string) ([]types.ImplementationEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT task_id, agent_id, summary, created_at
		FROM task_implementations WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
	}
	defer rows.Close()

	var entries []types.ImplementationEntry
	for rows.Next() {
		var e types.ImplementationEntry
		var createdAt string
		if err := rows.Scan(&e.TaskID, &e.AgentID, &e.Summary, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *KanbanBoard) AddImplementation(ctx context.Context, entry types.ImplementationEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO task_implementations (task_id, agent_id, summary, created_at)
		VALUES (?, ?, ?, ?)`,
		entry.TaskID, entry.AgentID, entry.Summary, entry.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert implementation: %w", err)
	}
	return nil
}

// Health pings the database.
func (b *KanbanBoard) Health() error {
	return b.db.Ping()
}

func (b *KanbanBoard) Close() error {
	return b.db.Close()
}

var (
	_ Board           = (*KanbanBoard)(nil)
	_ HistoryProvider = (*KanbanBoard)(nil)
)
