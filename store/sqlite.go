package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db    *sql.DB
	locks partitionLocks
	cfg   config
}

var _ Backend = (*sqliteBackend)(nil)

// NewSQLite returns a Backend stored in a SQLite database using the pure Go
// modernc.org/sqlite driver. File databases run in WAL mode with immediate
// transactions so concurrent processes serialize their writes, and reads
// never wait for an in-flight update.
//
// If dbPath is empty or ":memory:", an in-memory database is used. It is
// limited to a single connection, so there a Load waits for any in-flight
// Update to commit or roll back. Use a file database when reads must not
// block on writes.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Backend, error) {
	cfg := applyOptions(opts)
	memory := dbPath == "" || dbPath == ":memory:"
	dsn := ":memory:"
	if !memory {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable(err, "store: open sqlite %s", dbPath)
	}
	if memory {
		// every connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
	}

	qctx, cancel := cfg.queryCtx(ctx)
	defer cancel()
	if _, err := db.ExecContext(qctx, `CREATE TABLE IF NOT EXISTS cache_records (
		partition TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (partition, id)
	)`); err != nil {
		db.Close()
		return nil, unavailable(err, "store: create sqlite schema")
	}

	return &sqliteBackend{db: db, cfg: cfg}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRecords(ctx context.Context, q querier, partition string) (Records, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, data FROM cache_records WHERE partition = ?`, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := Records{}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, rows.Err()
}

func (s *sqliteBackend) Load(ctx context.Context, partition string) (Records, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	recs, err := loadRecords(qctx, s.db, partition)
	if err != nil {
		return nil, unavailable(err, "store: load partition %s", partition)
	}
	return recs, nil
}

func (s *sqliteBackend) Update(ctx context.Context, partition string, fn func(Records) (Records, error)) error {
	unlock, err := s.locks.lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()

	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return unavailable(err, "store: begin update of %s", partition)
	}
	defer tx.Rollback()

	current, err := loadRecords(qctx, tx, partition)
	if err != nil {
		return unavailable(err, "store: load partition %s", partition)
	}
	next, err := fn(current.Clone())
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	upserts, deletes := diff(current, next)
	for _, id := range deletes {
		if _, err := tx.ExecContext(qctx, `DELETE FROM cache_records WHERE partition = ? AND id = ?`, partition, id); err != nil {
			return unavailable(err, "store: delete %s/%s", partition, id)
		}
	}
	for id, data := range upserts {
		if _, err := tx.ExecContext(qctx,
			`INSERT INTO cache_records (partition, id, data) VALUES (?, ?, ?)
			ON CONFLICT(partition, id) DO UPDATE SET data = excluded.data`,
			partition, id, data,
		); err != nil {
			return unavailable(err, "store: upsert %s/%s", partition, id)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err, "store: commit partition %s", partition)
	}
	return nil
}

func (s *sqliteBackend) Reset(ctx context.Context, partition string) error {
	unlock, err := s.locks.lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(qctx, `DELETE FROM cache_records WHERE partition = ?`, partition); err != nil {
		return unavailable(err, "store: reset partition %s", partition)
	}
	return nil
}

func (s *sqliteBackend) Repair(ctx context.Context, partition string, check func(Records) error) (bool, error) {
	return repairByUpdate(ctx, s.Update, partition, check)
}

func (s *sqliteBackend) Partitions(ctx context.Context) ([]string, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, `SELECT DISTINCT partition FROM cache_records ORDER BY partition`)
	if err != nil {
		return nil, unavailable(err, "store: list partitions")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, unavailable(err, "store: list partitions")
		}
		out = append(out, p)
	}
	return out, unavailable(rows.Err(), "store: list partitions")
}

func (s *sqliteBackend) Close() error {
	return errors.Wrap(s.db.Close(), "store: close sqlite")
}
