package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/taskmate-realtime/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on busy_timeout
	// instead of failing on lock upgrade.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS project_groups (
		gid TEXT PRIMARY KEY,
		admin_id TEXT NOT NULL,
		name TEXT NOT NULL CHECK (length(name) <= 25),
		created_at INTEGER NOT NULL,
		UNIQUE (admin_id, name)
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		uid TEXT NOT NULL,
		gid TEXT NOT NULL REFERENCES project_groups(gid) ON DELETE CASCADE,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (uid, gid)
	);
	CREATE INDEX IF NOT EXISTS idx_user_groups_uid ON user_groups(uid);

	CREATE TABLE IF NOT EXISTS tasks (
		tid TEXT PRIMARY KEY,
		gid TEXT NOT NULL REFERENCES project_groups(gid) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		name TEXT NOT NULL CHECK (length(name) <= 25),
		description TEXT NOT NULL DEFAULT '',
		list TEXT NOT NULL,
		due_at INTEGER NOT NULL,
		percentage INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_gid ON tasks(gid, position);

	CREATE TABLE IF NOT EXISTS nodes (
		nid TEXT PRIMARY KEY,
		gid TEXT NOT NULL REFERENCES project_groups(gid) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		name TEXT NOT NULL CHECK (length(name) <= 25),
		description TEXT NOT NULL DEFAULT '',
		date INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		percentage INTEGER NOT NULL DEFAULT 0,
		x_pos REAL NOT NULL DEFAULT 0,
		y_pos REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_gid ON nodes(gid, position);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateProject inserts the whole project in one transaction.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *domain.Project) error {
	for i := 0; ; i++ {
		err := s.createProjectOnce(ctx, p)
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == maxRetries-1 {
			return err
		}

		delay := baseRetryDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("CreateProject failed with SQLITE_BUSY, retrying",
			"group_id", p.Group.ID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("create project: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (s *SQLiteStore) createProjectOnce(ctx context.Context, p *domain.Project) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("Failed to roll back project transaction", "group_id", p.Group.ID, "error", rbErr)
			}
		}
	}()

	g := p.Group
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO project_groups (gid, admin_id, name, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.AdminID, g.Name, g.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert group: %w", classify(err))
	}

	joined := time.Now().Unix()
	for _, uid := range p.Members {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO user_groups (uid, gid, joined_at) VALUES (?, ?, ?)`,
			uid, g.ID, joined,
		); err != nil {
			return fmt.Errorf("add member %s: %w", uid, classify(err))
		}
	}

	for i, t := range p.Tasks {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (tid, gid, position, name, description, list, due_at, percentage)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, g.ID, i, t.Name, t.Description, t.List, t.DueAt.Unix(), t.Percentage,
		); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTaskInsert, t.Name, classify(err))
		}
	}

	for i, m := range p.Milestones {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (nid, gid, position, name, description, date, completed, percentage, x_pos, y_pos)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, g.ID, i, m.Name, m.Description, m.Date.Unix(), m.Completed, m.Percentage, m.XPos, m.YPos,
		); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrMilestoneInsert, m.Name, classify(err))
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit project: %w", err)
	}
	return nil
}

// GetProject retrieves a group with its members, tasks and milestones.
func (s *SQLiteStore) GetProject(ctx context.Context, groupID string) (*domain.Project, error) {
	var p domain.Project
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT gid, admin_id, name, created_at FROM project_groups WHERE gid = ?`, groupID,
	).Scan(&p.Group.ID, &p.Group.AdminID, &p.Group.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan group row: %w", err)
	}
	p.Group.CreatedAt = time.Unix(createdAt, 0)

	if p.Members, err = s.members(ctx, groupID); err != nil {
		return nil, err
	}
	if p.Tasks, err = s.tasks(ctx, groupID); err != nil {
		return nil, err
	}
	if p.Milestones, err = s.milestones(ctx, groupID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) members(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM user_groups WHERE gid = ? ORDER BY joined_at, uid`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer closeRows(rows, "members")

	var members []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		members = append(members, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (s *SQLiteStore) tasks(ctx context.Context, groupID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tid, gid, name, description, list, due_at, percentage
		FROM tasks WHERE gid = ? ORDER BY position`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer closeRows(rows, "tasks")

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var dueAt int64
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Name, &t.Description, &t.List, &dueAt, &t.Percentage); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.DueAt = time.Unix(dueAt, 0)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) milestones(ctx context.Context, groupID string) ([]domain.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT nid, gid, name, description, date, completed, percentage, x_pos, y_pos
		FROM nodes WHERE gid = ? ORDER BY position`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer closeRows(rows, "milestones")

	var milestones []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var date int64
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Name, &m.Description, &date, &m.Completed, &m.Percentage, &m.XPos, &m.YPos); err != nil {
			return nil, fmt.Errorf("scan milestone row: %w", err)
		}
		m.Date = time.Unix(date, 0)
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return milestones, nil
}

// ListGroupsForUser returns the groups userID belongs to, newest first.
func (s *SQLiteStore) ListGroupsForUser(ctx context.Context, userID string) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.gid, g.admin_id, g.name, g.created_at
		FROM project_groups g JOIN user_groups ug ON ug.gid = g.gid
		WHERE ug.uid = ?
		ORDER BY g.created_at DESC, g.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer closeRows(rows, "groups")

	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		var createdAt int64
		if err := rows.Scan(&g.ID, &g.AdminID, &g.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		g.CreatedAt = time.Unix(createdAt, 0)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
