package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn is an in-memory Conn for tests: one map standing in for the
// results table, with hooks to inject failures.
type fakeConn struct {
	mu       sync.Mutex
	records  map[string]*fakeRecord
	prepared map[string]string

	tableExists  bool
	failExec     error
	failQuery    error
	failQueryRow error

	deallocated []string
	closeCalls  int
	commits     int
	rollbacks   int
	ddl         []string
}

type fakeRecord struct {
	requestDate  time.Time
	responseType string
	mimeType     string
	response     string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		records:     map[string]*fakeRecord{},
		prepared:    map[string]string{},
		tableExists: true,
	}
}

func (c *fakeConn) Prepare(_ context.Context, name, sql string) error {
	c.prepared[name] = sql
	return nil
}

func (c *fakeConn) Deallocate(_ context.Context, name string) error {
	c.deallocated = append(c.deallocated, name)
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(context.Context) error {
	c.closeCalls++
	return nil
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failQueryRow != nil {
		return fakeRow{err: c.failQueryRow}
	}
	switch sql {
	case stmtSelectResponse:
		id := args[0].(string)
		rec, ok := c.records[id]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{id, rec.requestDate, rec.responseType, rec.response, rec.mimeType}}
	case resultsTableExistsSQL:
		return fakeRow{vals: []any{c.tableExists}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (c *fakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failQuery != nil {
		return nil, c.failQuery
	}
	if sql != selectExpiredSQL {
		return nil, fmt.Errorf("unexpected query: %s", sql)
	}
	cutoff := args[0].(time.Time)
	var ids []string
	for id, rec := range c.records {
		if rec.requestDate.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return &fakeRows{ids: ids}, nil
}

func (c *fakeConn) Begin(context.Context) (Tx, error) {
	return &fakeTx{conn: c}, nil
}

// put seeds a record directly, bypassing the store.
func (c *fakeConn) put(id string, requestDate time.Time, responseType, mimeType, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[id] = &fakeRecord{
		requestDate:  requestDate,
		responseType: responseType,
		mimeType:     mimeType,
		response:     response,
	}
}

func (c *fakeConn) get(id string) (*fakeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	return rec, ok
}

type fakeTx struct {
	conn *fakeConn
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failExec != nil {
		return pgconn.CommandTag{}, c.failExec
	}

	switch {
	case sql == stmtInsertResult:
		id := args[0].(string)
		if _, exists := c.records[id]; exists {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key value violates unique constraint"}
		}
		c.records[id] = &fakeRecord{
			requestDate:  args[1].(time.Time),
			responseType: args[2].(string),
			mimeType:     args[3].(string),
			response:     args[4].(string),
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case sql == stmtUpdateResponse:
		id := args[0].(string)
		rec, ok := c.records[id]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		rec.response = args[1].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case sql == deleteExpiredSQL:
		ids := args[0].([]string)
		n := 0
		for _, id := range ids {
			if _, ok := c.records[id]; ok {
				delete(c.records, id)
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil

	case strings.HasPrefix(sql, "CREATE TABLE"):
		if c.tableExists {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: pgerrcode.DuplicateTable, Message: "relation already exists"}
		}
		c.tableExists = true
		c.ddl = append(c.ddl, sql)
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (t *fakeTx) Commit(context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.rollbacks++
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := r.vals[i].(type) {
		case string:
			*(d.(*string)) = v
		case bool:
			*(d.(*bool)) = v
		case time.Time:
			*(d.(*time.Time)) = v
		}
	}
	return nil
}

type fakeRows struct {
	ids []string
	idx int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.ids)
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.ids[r.idx-1]
	return nil
}

type fakeProvider struct {
	conn Conn
	err  error
}

func (p *fakeProvider) Acquire(context.Context) (Conn, error) {
	return p.conn, p.err
}
