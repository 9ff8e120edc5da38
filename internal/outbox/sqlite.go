package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_actions (
	position    INTEGER PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	kind        TEXT NOT NULL,
	resource    TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	method      TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	retries     INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS failed_actions (
	position    INTEGER PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	kind        TEXT NOT NULL,
	resource    TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	method      TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	retries     INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore persists the queue in SQLite with write-through semantics:
// every Save rewrites both tables inside one transaction.
type SQLiteStore struct {
	mu sync.Mutex
	db *sqlx.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type actionRow struct {
	Position   int64  `db:"position"`
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	Resource   string `db:"resource"`
	ResourceID string `db:"resource_id"`
	Method     string `db:"method"`
	Path       string `db:"path"`
	Payload    string `db:"payload"`
	CreatedAt  string `db:"created_at"`
	Retries    int    `db:"retries"`
	LastError  string `db:"last_error"`
}

func (r actionRow) toAction() (PendingAction, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return PendingAction{}, fmt.Errorf("parse created_at for %s: %w", r.ID, err)
	}
	a := PendingAction{
		ID:         r.ID,
		Kind:       ActionKind(r.Kind),
		Resource:   r.Resource,
		ResourceID: r.ResourceID,
		Method:     r.Method,
		Path:       r.Path,
		CreatedAt:  createdAt,
		Retries:    r.Retries,
		LastError:  r.LastError,
	}
	if r.Payload != "" {
		a.Payload = []byte(r.Payload)
	}
	return a, nil
}

func (s *SQLiteStore) Load() ([]PendingAction, []PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.loadTable("pending_actions")
	if err != nil {
		return nil, nil, err
	}
	failed, err := s.loadTable("failed_actions")
	if err != nil {
		return nil, nil, err
	}
	return pending, failed, nil
}

func (s *SQLiteStore) loadTable(table string) ([]PendingAction, error) {
	var rows []actionRow
	query := fmt.Sprintf("SELECT position, id, kind, resource, resource_id, method, path, payload, created_at, retries, last_error FROM %s ORDER BY position", table)
	if err := s.db.Select(&rows, query); err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	actions := make([]PendingAction, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAction()
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (s *SQLiteStore) Save(pending, failed []PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for table, actions := range map[string][]PendingAction{
		"pending_actions": pending,
		"failed_actions":  failed,
	} {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		insert := fmt.Sprintf(`INSERT INTO %s (position, id, kind, resource, resource_id, method, path, payload, created_at, retries, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
		for i, a := range actions {
			_, err := tx.Exec(insert,
				i, a.ID, string(a.Kind), a.Resource, a.ResourceID, a.Method, a.Path,
				string(a.Payload), a.CreatedAt.UTC().Format(time.RFC3339Nano), a.Retries, a.LastError)
			if err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
