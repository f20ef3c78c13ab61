package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/dropsync/dropsync/internal/db"
	"github.com/dropsync/dropsync/internal/utils"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS sync_index (
    local_path TEXT PRIMARY KEY,
    item_type TEXT NOT NULL,
    rev TEXT,
    content_hash TEXT,
    last_sync_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	metaCursor         = "__cursor__"
	metaSchemaVersion  = "__schema_version__"
	metaLastReconcile  = "__last_reconcile__"
	schemaVersionValue = "1"
)

type dbIndexEntry struct {
	LocalPath      string         `db:"local_path"`
	ItemType       string         `db:"item_type"`
	Rev            sql.NullString `db:"rev"`
	ContentHash    sql.NullString `db:"content_hash"`
	LastSyncUnixMs int64          `db:"last_sync_unix_ms"`
}

func (d dbIndexEntry) toEntry() *IndexEntry {
	e := &IndexEntry{
		LocalPath:      d.LocalPath,
		ItemType:       ItemType(d.ItemType),
		LastSyncUnixMs: d.LastSyncUnixMs,
	}
	if d.Rev.Valid {
		rev := d.Rev.String
		e.Rev = &rev
	}
	if d.ContentHash.Valid {
		hash := d.ContentHash.String
		e.ContentHash = &hash
	}
	return e
}

func fromEntry(e *IndexEntry) dbIndexEntry {
	d := dbIndexEntry{
		LocalPath:      e.LocalPath,
		ItemType:       string(e.ItemType),
		LastSyncUnixMs: e.LastSyncUnixMs,
	}
	if e.Rev != nil {
		d.Rev = sql.NullString{String: *e.Rev, Valid: true}
	}
	if e.ContentHash != nil {
		d.ContentHash = sql.NullString{String: *e.ContentHash, Valid: true}
	}
	return d
}

// IndexReader is the read-only subset of IndexStore the Change Normalizer
// and Conflict Resolver depend on; it lets tests substitute an in-memory
// fake without pulling in SQLite.
type IndexReader interface {
	Get(path string) (*IndexEntry, error)
}

// Txn groups an index mutation with a cursor advance so a download batch
// commits atomically: either both land, or neither does, preserving
// cursor-atomicity across a crash.
type Txn struct {
	tx *sqlx.Tx
}

func (t *Txn) Put(e *IndexEntry) error {
	d := fromEntry(e)
	_, err := t.tx.NamedExec(`INSERT INTO sync_index (local_path, item_type, rev, content_hash, last_sync_unix_ms)
		VALUES (:local_path, :item_type, :rev, :content_hash, :last_sync_unix_ms)
		ON CONFLICT(local_path) DO UPDATE SET
			item_type=excluded.item_type, rev=excluded.rev,
			content_hash=excluded.content_hash, last_sync_unix_ms=excluded.last_sync_unix_ms`, d)
	if err != nil {
		return &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return nil
}

func (t *Txn) Delete(path string) error {
	_, err := t.tx.Exec("DELETE FROM sync_index WHERE local_path = ?", path)
	if err != nil {
		return &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return nil
}

func (t *Txn) SetCursor(c Cursor) error {
	return setMeta(t.tx, metaCursor, string(c))
}

// IndexStore is the durable key/value mapping of canonical local path to
// IndexEntry, plus the reserved cursor/schema-version/reconcile-timestamp
// keys. Writes serialize through SQLite's single-writer discipline
// (max_open_conns=1); reads are safe concurrently.
type IndexStore struct {
	db   *sqlx.DB
	path string
}

func OpenIndexStore(path string) (*IndexStore, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("index store directory: %w", err)
	}

	conn, err := db.NewSqliteDb(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, &RemoteError{Kind: ErrStorageIO, Err: err}
	}

	if _, err := conn.Exec(indexSchema); err != nil {
		conn.Close()
		return nil, &RemoteError{Kind: ErrStorageCorrupt, Err: err}
	}

	if err := initMeta(conn); err != nil {
		conn.Close()
		return nil, &RemoteError{Kind: ErrStorageCorrupt, Err: err}
	}

	return &IndexStore{db: conn, path: path}, nil
}

func initMeta(conn *sqlx.DB) error {
	_, err := conn.Exec(`INSERT OR IGNORE INTO sync_meta (key, value) VALUES (?, ?)`, metaSchemaVersion, schemaVersionValue)
	return err
}

func (s *IndexStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *IndexStore) Get(path string) (*IndexEntry, error) {
	var d dbIndexEntry
	err := s.db.Get(&d, "SELECT local_path, item_type, rev, content_hash, last_sync_unix_ms FROM sync_index WHERE local_path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return d.toEntry(), nil
}

func (s *IndexStore) Put(e *IndexEntry) error {
	d := fromEntry(e)
	_, err := s.db.NamedExec(`INSERT INTO sync_index (local_path, item_type, rev, content_hash, last_sync_unix_ms)
		VALUES (:local_path, :item_type, :rev, :content_hash, :last_sync_unix_ms)
		ON CONFLICT(local_path) DO UPDATE SET
			item_type=excluded.item_type, rev=excluded.rev,
			content_hash=excluded.content_hash, last_sync_unix_ms=excluded.last_sync_unix_ms`, d)
	if err != nil {
		return &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return nil
}

func (s *IndexStore) Delete(path string) error {
	_, err := s.db.Exec("DELETE FROM sync_index WHERE local_path = ?", path)
	if err != nil {
		return &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return nil
}

// IterPrefix returns every entry whose local path starts with prefix. All
// calls it with an empty prefix for reconciliation's index join.
func (s *IndexStore) IterPrefix(prefix string) ([]*IndexEntry, error) {
	var rows []dbIndexEntry
	like := strings.ReplaceAll(prefix, "%", "\\%") + "%"
	err := s.db.Select(&rows, "SELECT local_path, item_type, rev, content_hash, last_sync_unix_ms FROM sync_index WHERE local_path LIKE ? ESCAPE '\\'", like)
	if err != nil {
		return nil, &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	entries := make([]*IndexEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}

func (s *IndexStore) All() ([]*IndexEntry, error) {
	return s.IterPrefix("")
}

func (s *IndexStore) GetCursor() (Cursor, error) {
	v, err := getMeta(s.db, metaCursor)
	if err != nil {
		return "", err
	}
	return Cursor(v), nil
}

func (s *IndexStore) SetCursor(c Cursor) error {
	return setMeta(s.db, metaCursor, string(c))
}

func (s *IndexStore) GetLastReconcile() (int64, error) {
	v, err := getMeta(s.db, metaLastReconcile)
	if err != nil || v == "" {
		return 0, err
	}
	var ts int64
	_, scanErr := fmt.Sscan(v, &ts)
	return ts, scanErr
}

func (s *IndexStore) SetLastReconcile(unixMs int64) error {
	return setMeta(s.db, metaLastReconcile, fmt.Sprint(unixMs))
}

// Transaction groups an index mutation with a cursor advance so that a
// download batch is crash-consistent: the cursor never moves past events
// that were not durably applied.
func (s *IndexStore) Transaction(fn func(*Txn) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return &RemoteError{Kind: ErrStorageIO, Err: err}
	}

	if err := fn(&Txn{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("index store rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return nil
}

type sqlExecer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Get(dest any, query string, args ...any) error
}

func getMeta(q sqlExecer, key string) (string, error) {
	var v string
	err := q.Get(&v, "SELECT value FROM sync_meta WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return v, nil
}

func setMeta(q sqlExecer, key, value string) error {
	_, err := q.Exec(`INSERT INTO sync_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return &RemoteError{Kind: ErrStorageIO, Err: err}
	}
	return nil
}
