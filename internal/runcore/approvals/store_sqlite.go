package approvals

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the standalone-mode ConsentStore: a single-file database
// alongside the node's other local state, watched with fsnotify so an
// operator hand-editing the file (revoking a standing approval while the
// process runs) is picked up without a restart.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	cache map[string]Decision
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// loads its current contents into an in-memory read cache. Call Close when
// done to stop the fsnotify watcher.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approval_decisions (
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		action_hash TEXT NOT NULL,
		decision TEXT NOT NULL,
		PRIMARY KEY (scope, scope_id, tool, action_hash)
	)`); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, path: path, cache: make(map[string]Decision)}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, err
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		if werr := w.Add(filepath.Dir(path)); werr == nil {
			s.watcher = w
			go s.watchLoop()
		} else {
			w.Close()
		}
	}
	return s, nil
}

func (s *SQLiteStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.reload(); err != nil {
					slog.Warn("approvals: sqlite hot-reload failed", "error", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("approvals: fsnotify error", "error", err)
		}
	}
}

func (s *SQLiteStore) reload() error {
	rows, err := s.db.Query(`SELECT scope, scope_id, tool, action_hash, decision FROM approval_decisions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	fresh := make(map[string]Decision)
	for rows.Next() {
		var scope, scopeID, tool, hash, decision string
		if err := rows.Scan(&scope, &scopeID, &tool, &hash, &decision); err != nil {
			continue
		}
		fresh[memKey(Scope(scope), scopeID, tool, hash)] = Decision(decision)
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) Get(_ context.Context, scope Scope, scopeID, tool, actionHash string) (Decision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.cache[memKey(scope, scopeID, tool, actionHash)]
	return d, ok, nil
}

func (s *SQLiteStore) Put(ctx context.Context, scope Scope, scopeID, tool, actionHash string, decision Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_decisions (scope, scope_id, tool, action_hash, decision) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope, scope_id, tool, action_hash) DO UPDATE SET decision = excluded.decision`,
		string(scope), scopeID, tool, actionHash, string(decision),
	)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[memKey(scope, scopeID, tool, actionHash)] = decision
	s.mu.Unlock()
	return nil
}

// Close releases the watcher and underlying database handle.
func (s *SQLiteStore) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	return s.db.Close()
}
