package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobg/sqlutil"
	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/contract"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

const schema = `
CREATE TABLE IF NOT EXISTS registry (
  id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
  total_supply INTEGER NOT NULL,
  current_index INTEGER NOT NULL,
  merchant TEXT NOT NULL,
  initialized INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS actions (
  seq INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
  key INTEGER NOT NULL,
  value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS actions_by_key ON actions (key, seq);

CREATE TABLE IF NOT EXISTS checkpoints (
  id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
  height INTEGER NOT NULL,
  vals TEXT NOT NULL
);
`

// queryer is the read surface shared by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite stores the registry as a single row and the log as an
// autoincrementing table; seq n holds log position n-1. Settlement runs in an
// immediate transaction, so SQLite's writer lock serializes it.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_txlock=immediate"
	} else {
		dsn += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: in-memory databases are per connection, and SQLite
	// admits a single writer anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating db schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Snapshot(ctx context.Context) (contract.State, error) {
	return sqlState(ctx, s.db)
}

func (s *SQLite) Fold(ctx context.Context, key uint32) (actionlog.FoldState, error) {
	return sqlFold(ctx, s.db, key)
}

func (s *SQLite) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

func (s *SQLite) Apply(ctx context.Context, fn contract.ApplyFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	live, err := sqlState(ctx, tx)
	if err != nil {
		return err
	}
	eff, err := fn(live, func(key uint32) (actionlog.FoldState, error) {
		return sqlFold(ctx, tx, key)
	})
	if err != nil {
		return err
	}

	st := eff.State
	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry (id, total_supply, current_index, merchant, initialized, version)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		  total_supply = excluded.total_supply,
		  current_index = excluded.current_index,
		  merchant = excluded.merchant,
		  initialized = excluded.initialized,
		  version = excluded.version`,
		st.TotalSupply, st.CurrentIndex, st.Merchant.Hex(), st.Initialized, st.Version)
	if err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	for _, a := range eff.Actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO actions (key, value) VALUES ($1, $2)`, a.Key, a.Value.Hex()); err != nil {
			return fmt.Errorf("append action: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) Compact(ctx context.Context) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cp, err := sqlCheckpoint(ctx, tx)
	if err != nil {
		return 0, err
	}
	var tail []actionlog.Action
	err = sqlutil.ForQueryRows(ctx, tx, `SELECT key, value FROM actions WHERE seq > $1 ORDER BY seq`, cp.Height, func(key uint32, value string) error {
		f, err := voucher.ParseField(value)
		if err != nil {
			return fmt.Errorf("action value for key %d: %w", key, err)
		}
		tail = append(tail, actionlog.Action{Key: key, Value: f})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read log tail: %w", err)
	}

	next := cp.Advance(tail)
	vals, err := json.Marshal(next.Values)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, height, vals) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET height = excluded.height, vals = excluded.vals`,
		next.Height, string(vals))
	if err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return next.Height, nil
}

// ── queries ───────────────────────────────────────────────────────────────────

func sqlState(ctx context.Context, q queryer) (contract.State, error) {
	var (
		st       contract.State
		merchant string
	)
	err := q.QueryRowContext(ctx, `
		SELECT total_supply, current_index, merchant, initialized, version
		FROM registry WHERE id = 1`).
		Scan(&st.TotalSupply, &st.CurrentIndex, &merchant, &st.Initialized, &st.Version)
	if err == sql.ErrNoRows {
		return contract.State{}, nil
	}
	if err != nil {
		return contract.State{}, fmt.Errorf("read registry: %w", err)
	}
	st.Merchant = common.HexToAddress(merchant)
	return st, nil
}

func sqlCheckpoint(ctx context.Context, q queryer) (actionlog.Checkpoint, error) {
	var (
		cp   actionlog.Checkpoint
		vals string
	)
	err := q.QueryRowContext(ctx, `SELECT height, vals FROM checkpoints WHERE id = 1`).Scan(&cp.Height, &vals)
	if err == sql.ErrNoRows {
		return actionlog.Checkpoint{}, nil
	}
	if err != nil {
		return actionlog.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(vals), &cp.Values); err != nil {
		return actionlog.Checkpoint{}, fmt.Errorf("checkpoint values: %w", err)
	}
	return cp, nil
}

// sqlFold replays only the rows for key past the checkpoint; rows for other
// keys cannot change the result.
func sqlFold(ctx context.Context, q queryer, key uint32) (actionlog.FoldState, error) {
	cp, err := sqlCheckpoint(ctx, q)
	if err != nil {
		return actionlog.FoldState{}, err
	}
	var tail []actionlog.Action
	err = sqlutil.ForQueryRows(ctx, q, `SELECT value FROM actions WHERE key = $1 AND seq > $2 ORDER BY seq`, key, cp.Height, func(value string) error {
		f, err := voucher.ParseField(value)
		if err != nil {
			return fmt.Errorf("action value for key %d: %w", key, err)
		}
		tail = append(tail, actionlog.Action{Key: key, Value: f})
		return nil
	})
	if err != nil {
		return actionlog.FoldState{}, fmt.Errorf("fold key %d: %w", key, err)
	}
	return cp.Fold(key, tail), nil
}
