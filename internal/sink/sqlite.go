package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/metascan/metascan/internal/meta"
)

const recordsTableDDL = `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scan_id TEXT NOT NULL,
    file_path TEXT NOT NULL,
    file_name TEXT NOT NULL,
    file_ext TEXT,
    file_type TEXT NOT NULL,
    inode INTEGER,
    hard_links INTEGER,
    size INTEGER NOT NULL,
    size_logical INTEGER NOT NULL,
    size_physical INTEGER NOT NULL,
    atime INTEGER,
    ctime INTEGER,
    mtime INTEGER,
    uid INTEGER,
    gid INTEGER,
    owner TEXT,
    grp TEXT,
    mode INTEGER
);
`

const recordsPathIndexDDL = `CREATE INDEX IF NOT EXISTS idx_records_path ON records(file_path, file_name);`

const insertRecordSQL = `INSERT INTO records
(scan_id, file_path, file_name, file_ext, file_type, inode, hard_links,
 size, size_logical, size_physical, atime, ctime, mtime, uid, gid, owner, grp, mode)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink archives records into a local SQLite database. One insert
// transaction per delivered batch keeps write amplification low without
// holding data in memory between calls.
type SQLiteSink struct {
	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt
}

// NewSQLiteSink opens (or creates) the database at dbPath and prepares
// the schema.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	// Serialize access through a single connection; the modernc driver
	// returns SQLITE_BUSY under concurrent writers otherwise.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	for _, ddl := range []string{recordsTableDDL, recordsPathIndexDDL} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	stmt, err := db.Prepare(insertRecordSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert statement: %w", err)
	}
	return &SQLiteSink{db: db, stmt: stmt}, nil
}

// Send implements Sink.
func (s *SQLiteSink) Send(ctx context.Context, recs []meta.Record) error {
	return s.insert(ctx, recs)
}

// SendDirs implements Sink.
func (s *SQLiteSink) SendDirs(ctx context.Context, recs []meta.Record) error {
	return s.insert(ctx, recs)
}

func (s *SQLiteSink) insert(ctx context.Context, recs []meta.Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt := tx.Stmt(s.stmt)
	for _, rec := range recs {
		_, err := stmt.Exec(
			rec["scan_id"],
			rec["file_path"],
			rec["file_name"],
			rec["file_ext"],
			rec["file_type"],
			rec["inode"],
			rec["file_hard_links"],
			rec["size"],
			rec["size_logical"],
			rec["size_physical"],
			rec["atime"],
			rec["ctime"],
			rec["mtime"],
			rec["perms_unix_uid"],
			rec["perms_unix_gid"],
			rec["perms_user"],
			rec["perms_group"],
			rec["perms_unix_bitmask"],
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert record %v: %w", rec["file_name"], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Flush implements Sink. Each batch commits its own transaction, so a
// WAL checkpoint is all that remains.
func (s *SQLiteSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stmt.Close()
	if _, err := s.db.Exec("PRAGMA optimize"); err == nil {
		s.db.Exec("PRAGMA journal_mode = DELETE")
	}
	return s.db.Close()
}

// Count reports how many records the database holds.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}
