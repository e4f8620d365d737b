package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// sqlExecutor runs ad-hoc queries against databases named in the payload.
// Pools are cached per DSN so repeated jobs against the same database reuse
// connections instead of redialing.
type sqlExecutor struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

func newSQLExecutor() *sqlExecutor {
	return &sqlExecutor{pools: make(map[string]*sql.DB)}
}

type sqlParams struct {
	Driver           string `json:"driver"`
	ConnectionString string `json:"connection_string"`
	Query            string `json:"query"`
	Args             []any  `json:"args"`
}

func (x *sqlExecutor) handleSQL(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p sqlParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Faultf("INVALID_PARAMS", "decoding sql params: %v", err)
	}
	if p.ConnectionString == "" {
		return nil, Faultf("MISSING_CONNECTION_STRING", "missing 'connection_string' in payload")
	}
	if p.Query == "" {
		return nil, Faultf("MISSING_QUERY", "missing 'query' in payload")
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}

	db, err := x.pool(ctx, p.Driver, p.ConnectionString)
	if err != nil {
		return nil, Faultf("DB_CONNECTION_ERROR", "%v", err)
	}

	rows, err := db.QueryContext(ctx, p.Query, p.Args...)
	if err != nil {
		return nil, Faultf("DB_QUERY_ERROR", "%v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, Faultf("DB_QUERY_ERROR", "%v", err)
	}

	var outRows []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Faultf("DB_QUERY_ERROR", "%v", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(values[i])
		}
		outRows = append(outRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Faultf("DB_QUERY_ERROR", "%v", err)
	}
	if outRows == nil {
		outRows = []map[string]any{}
	}

	out, err := json.Marshal(map[string]any{
		"rows":      outRows,
		"row_count": len(outRows),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// pool returns the cached pool for dsn, dialing under the lock on first use.
// Dial time is bounded so a dead database cannot hold the cache lock forever.
func (x *sqlExecutor) pool(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if db, ok := x.pools[dsn]; ok {
		return db, nil
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	x.pools[dsn] = db
	return db, nil
}

// Close releases every cached pool. The registry runs this on shutdown.
func (x *sqlExecutor) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for dsn, db := range x.pools {
		_ = db.Close()
		delete(x.pools, dsn)
	}
}

func normalizeSQLValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
