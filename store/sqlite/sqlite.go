// Package sqlite implements vega.Store on SQLite using modernc.org/sqlite
// (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	vega "github.com/everydev1618/vegatree"
)

// Store is a durable vega.Store backed by a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

var _ vega.Store = (*Store)(nil)

// Open opens or creates the database at path and applies pending
// migrations. Foreign keys and WAL are set per connection through the DSN.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

var migrations = []struct {
	version int
	sql     string
}{
	{1, `
	CREATE TABLE tasks (
		id             TEXT PRIMARY KEY,
		prompt         TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		budget_limit   TEXT,
		root_agent_id  TEXT NOT NULL DEFAULT '',
		global_context TEXT NOT NULL DEFAULT '',
		constraints    TEXT NOT NULL DEFAULT '[]',
		profile        TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);

	CREATE TABLE agents (
		agent_id    TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		parent_id   TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		exit_reason TEXT NOT NULL DEFAULT '',
		config      TEXT NOT NULL,
		state       TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE costs (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		agent_id   TEXT NOT NULL,
		cost_type  TEXT NOT NULL,
		cost_usd   TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE TABLE messages (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		sender     TEXT NOT NULL DEFAULT '',
		sender_id  TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE logs (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		agent_id   TEXT NOT NULL,
		level      TEXT NOT NULL,
		message    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX idx_agents_task ON agents(task_id);
	CREATE INDEX idx_costs_task ON costs(task_id);
	CREATE INDEX idx_messages_task ON messages(task_id);
	CREATE INDEX idx_logs_agent ON logs(agent_id);
	`},
}

// Migrate applies every migration newer than the recorded schema version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

// Tasks

const taskColumns = `id, prompt, status, budget_limit, root_agent_id, global_context, constraints, profile, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *vega.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE id = ?", t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: task %s exists", vega.ErrInvalidInput, t.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*vega.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vega.ErrTaskNotFound
	}
	return t, err
}

func (s *Store) UpdateTask(ctx context.Context, t *vega.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt = ?, status = ?, budget_limit = ?, root_agent_id = ?, global_context = ?,
		 constraints = ?, profile = ?, created_at = ?, updated_at = ? WHERE id = ?`,
		append(args[1:], t.ID)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, vega.ErrTaskNotFound)
}

func (s *Store) ListTasks(ctx context.Context) ([]*vega.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*vega.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask removes the task; agents, costs, messages and logs follow
// through ON DELETE CASCADE.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res, vega.ErrTaskNotFound)
}

// Agents

const agentColumns = `agent_id, task_id, parent_id, status, exit_reason, config, state, updated_at`

func (s *Store) SaveAgent(ctx context.Context, r *vega.AgentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			task_id = excluded.task_id, parent_id = excluded.parent_id, status = excluded.status,
			exit_reason = excluded.exit_reason, config = excluded.config, state = excluded.state,
			updated_at = excluded.updated_at`,
		r.AgentID, r.TaskID, r.ParentID, string(r.Status), string(r.ExitReason),
		string(r.Config), string(r.State), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save agent %s: %w", r.AgentID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*vega.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	r, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vega.ErrAgentNotFound
	}
	return r, err
}

func (s *Store) ListAgents(ctx context.Context, taskID string) ([]*vega.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE task_id = ? ORDER BY agent_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*vega.AgentRecord
	for rows.Next() {
		r, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM agents WHERE agent_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if err := requireRow(res, vega.ErrAgentNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM logs WHERE agent_id = ?", id); err != nil {
		return fmt.Errorf("delete agent logs: %w", err)
	}
	return tx.Commit()
}

// Costs, messages, logs

func (s *Store) AppendCost(ctx context.Context, c *vega.CostRecord) error {
	meta, err := encodeMeta(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO costs (id, task_id, agent_id, cost_type, cost_usd, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.AgentID, string(c.CostType), c.CostUSD.String(), meta, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("append cost: %w", err)
	}
	return nil
}

func (s *Store) ListCosts(ctx context.Context, taskID string) ([]*vega.CostRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, cost_type, cost_usd, metadata, created_at FROM costs
		 WHERE task_id = ? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	defer rows.Close()

	var out []*vega.CostRecord
	for rows.Next() {
		var c vega.CostRecord
		var costType, meta, created string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AgentID, &costType, &c.CostUSD, &meta, &created); err != nil {
			return nil, err
		}
		c.CostType = vega.CostType(costType)
		if c.Metadata, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m *vega.MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, task_id, sender, sender_id, content, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.From, m.SenderID, m.Content, m.Status, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, taskID string) ([]*vega.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, sender, sender_id, content, status, created_at FROM messages
		 WHERE task_id = ? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*vega.MessageRecord
	for rows.Next() {
		var m vega.MessageRecord
		var created string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.From, &m.SenderID, &m.Content, &m.Status, &created); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) AppendLog(ctx context.Context, l *vega.LogRecord) error {
	meta, err := encodeMeta(l.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO logs (id, task_id, agent_id, level, message, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TaskID, l.AgentID, string(l.Level), l.Message, meta, formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, agentID string) ([]*vega.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, level, message, metadata, created_at FROM logs
		 WHERE agent_id = ? ORDER BY created_at, rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*vega.LogRecord
	for rows.Next() {
		var l vega.LogRecord
		var level, meta, created string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.AgentID, &level, &l.Message, &meta, &created); err != nil {
			return nil, err
		}
		l.Level = vega.LogLevel(level)
		if l.Metadata, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func taskArgs(t *vega.Task) ([]any, error) {
	constraints, err := json.Marshal(t.Constraints)
	if err != nil {
		return nil, fmt.Errorf("encode constraints: %w", err)
	}
	var limit sql.NullString
	if t.BudgetLimit != nil {
		limit = sql.NullString{String: t.BudgetLimit.String(), Valid: true}
	}
	return []any{
		t.ID, t.Prompt, string(t.Status), limit, t.RootAgentID, t.GlobalContext,
		string(constraints), t.Profile, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	}, nil
}

func scanTask(row scanner) (*vega.Task, error) {
	var t vega.Task
	var status, constraints, created, updated string
	var limit decimal.NullDecimal
	if err := row.Scan(&t.ID, &t.Prompt, &status, &limit, &t.RootAgentID, &t.GlobalContext,
		&constraints, &t.Profile, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = vega.TaskStatus(status)
	if limit.Valid {
		l := limit.Decimal
		t.BudgetLimit = &l
	}
	if err := json.Unmarshal([]byte(constraints), &t.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints of %s: %w", t.ID, err)
	}
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAgent(row scanner) (*vega.AgentRecord, error) {
	var r vega.AgentRecord
	var status, reason, cfg, state, updated string
	if err := row.Scan(&r.AgentID, &r.TaskID, &r.ParentID, &status, &reason, &cfg, &state, &updated); err != nil {
		return nil, err
	}
	r.Status = vega.AgentStatus(status)
	r.ExitReason = vega.ExitReason(reason)
	r.Config = json.RawMessage(cfg)
	r.State = json.RawMessage(state)
	var err error
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func encodeMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMeta(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// Fixed width so that text order matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
