package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/attache-app/core/internal/errors"
	"github.com/attache-app/core/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	custom_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0,
	last_message TEXT,
	draft TEXT,
	etag TEXT,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sync_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

const (
	metaMinEtag = "min_etag"
	metaMaxEtag = "max_etag"
)

// SQLiteStore is the on-disk TaskStore, backed by modernc.org/sqlite
// (pure Go, no CGO). SQLite supports a single writer, so the connection
// pool is pinned to one connection and WAL mode keeps readers cheap.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements are cached to avoid repeated SQL parsing.
	stmtCache sync.Map // map[string]*sql.Stmt

	mu      sync.Mutex
	minEtag *string
	maxEtag *string
}

// OpenSQLite opens (creating if needed) the task database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to create data directory", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "attache.db"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enable WAL mode", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to apply schema", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.loadCursors(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes cached statements and the database.
func (s *SQLiteStore) Close() error {
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}

// prepare gets or creates a prepared statement from the cache.
func (s *SQLiteStore) prepare(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

func (s *SQLiteStore) Retrieve() ([]*models.Task, error) {
	stmt, err := s.prepare(`SELECT id, custom_id, title, completed, deleted,
		unread_count, last_message, draft, etag, updated_at FROM tasks`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query tasks", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate tasks", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) Save(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO tasks
		(id, custom_id, title, completed, deleted, unread_count, last_message, draft, etag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			custom_id = excluded.custom_id,
			title = excluded.title,
			completed = excluded.completed,
			deleted = excluded.deleted,
			unread_count = excluded.unread_count,
			last_message = excluded.last_message,
			draft = excluded.draft,
			etag = excluded.etag,
			updated_at = excluded.updated_at`)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to prepare upsert", err)
	}
	defer stmt.Close()

	for _, task := range tasks {
		lastMessage, err := encodeMessage(task.LastMessage)
		if err != nil {
			return err
		}
		draft, err := encodeMessage(task.Draft)
		if err != nil {
			return err
		}

		var etag sql.NullString
		if task.Etag != nil {
			etag = sql.NullString{String: *task.Etag, Valid: true}
		}

		if _, err := stmt.Exec(task.ID, task.CustomID, task.Title,
			boolToInt(task.Completed), boolToInt(task.Deleted), task.UnreadCount,
			lastMessage, draft, etag, task.UpdatedAt); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to upsert task", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit tasks", err)
	}
	return nil
}

func (s *SQLiteStore) RecalculateExtremeEtags(tasks []*models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, task := range tasks {
		if task.Etag == nil {
			continue
		}
		etag := *task.Etag
		if s.minEtag == nil || etag < *s.minEtag {
			s.minEtag = &etag
			changed = true
		}
		if s.maxEtag == nil || etag > *s.maxEtag {
			s.maxEtag = &etag
			changed = true
		}
	}

	if changed {
		s.persistCursorsLocked()
	}
}

func (s *SQLiteStore) MinEtag() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCursor(s.minEtag)
}

func (s *SQLiteStore) MaxEtag() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCursor(s.maxEtag)
}

func (s *SQLiteStore) ClearEtags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minEtag = nil
	s.maxEtag = nil
	// A failed row delete only costs a wider refetch on the next sync.
	s.db.Exec(`DELETE FROM sync_meta WHERE key IN (?, ?)`, metaMinEtag, metaMaxEtag)
}

func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM tasks`); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to clear tasks", err)
	}
	if _, err := s.db.Exec(`DELETE FROM sync_meta`); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to clear sync metadata", err)
	}
	s.minEtag = nil
	s.maxEtag = nil
	return nil
}

// loadCursors restores the etag cursor pair persisted by a previous run.
func (s *SQLiteStore) loadCursors() error {
	rows, err := s.db.Query(`SELECT key, value FROM sync_meta WHERE key IN (?, ?)`, metaMinEtag, metaMaxEtag)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to load cursors", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to scan cursor", err)
		}
		v := value
		switch key {
		case metaMinEtag:
			s.minEtag = &v
		case metaMaxEtag:
			s.maxEtag = &v
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) persistCursorsLocked() {
	upsert := `INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if s.minEtag != nil {
		s.db.Exec(upsert, metaMinEtag, *s.minEtag)
	}
	if s.maxEtag != nil {
		s.db.Exec(upsert, metaMaxEtag, *s.maxEtag)
	}
}

// scanTask builds a Task from one row.
func scanTask(rows *sql.Rows) (*models.Task, error) {
	var task models.Task
	var completed, deleted int
	var lastMessage, draft, etag sql.NullString

	if err := rows.Scan(&task.ID, &task.CustomID, &task.Title, &completed, &deleted,
		&task.UnreadCount, &lastMessage, &draft, &etag, &task.UpdatedAt); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan task", err)
	}

	task.Completed = completed != 0
	task.Deleted = deleted != 0

	var err error
	if task.LastMessage, err = decodeMessage(lastMessage); err != nil {
		return nil, err
	}
	if task.Draft, err = decodeMessage(draft); err != nil {
		return nil, err
	}
	if etag.Valid {
		e := etag.String
		task.Etag = &e
	}
	return &task, nil
}

func encodeMessage(msg *models.ChatMessage) (sql.NullString, error) {
	if msg == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return sql.NullString{}, errors.Wrap(errors.ErrInvalid, "failed to encode chat message", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMessage(value sql.NullString) (*models.ChatMessage, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var msg models.ChatMessage
	if err := json.Unmarshal([]byte(value.String), &msg); err != nil {
		return nil, errors.Wrap(errors.ErrDecode, "failed to decode chat message", err)
	}
	return &msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
