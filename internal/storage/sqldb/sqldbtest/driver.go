// Package sqldbtest provides a scripted database/sql driver. Each test lists
// the statements it expects in order and the driver fails on anything else,
// which pins the exact SQL sent to MySQL without a running server.
package sqldbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opKind int

const (
	opExec opKind = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (k opKind) String() string {
	switch k {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Op is one expected driver call.
type Op struct {
	kind   opKind
	query  string
	args   []driver.Value
	result Result
	rows   Rows
	err    error
}

// Result is returned from an expected Exec.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

type execResult struct {
	r Result
}

func (e execResult) LastInsertId() (int64, error) { return e.r.LastInsertID, nil }
func (e execResult) RowsAffected() (int64, error) { return e.r.RowsAffected, nil }

// Rows is returned from an expected Query.
type Rows struct {
	Columns []string
	Values  [][]any
}

func Exec(query string, result Result) Op { return Op{kind: opExec, query: query, result: result} }

func Query(query string, rows Rows) Op { return Op{kind: opQuery, query: query, rows: rows} }

func Begin() Op { return Op{kind: opBegin} }

func Commit() Op { return Op{kind: opCommit} }

func Rollback() Op { return Op{kind: opRollback} }

// WithArgs also asserts the bound arguments of an Exec or Query.
func (o Op) WithArgs(args ...driver.Value) Op {
	o.args = args
	return o
}

// WithError makes the call fail with err.
func (o Op) WithError(err error) Op {
	o.err = err
	return o
}

// Driver replays a fixed list of operations.
type Driver struct {
	mu  sync.Mutex
	ops []Op
	idx int
}

var driverSeq atomic.Int32

// Open registers a fresh driver for ops and returns a single-connection
// *sql.DB bound to it. The database is closed and the script checked for
// full consumption when the test ends.
func Open(t testing.TB, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("sqldbtest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() {
		db.Close()
		drv.AssertConsumed(t)
	})
	return db, drv
}

// AssertConsumed fails the test if any expected operation was not run.
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Errorf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(kind opKind, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", kind, NormalizeSQL(query))
	}
	op := &d.ops[d.idx]
	if op.kind != kind {
		return nil, fmt.Errorf("expected %s, got %s", op.kind, kind)
	}
	d.idx++
	if op.query != "" {
		want, got := NormalizeSQL(op.query), NormalizeSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.args != nil {
		if len(op.args) != len(args) {
			return nil, fmt.Errorf("query %q: want %d args, got %d", NormalizeSQL(query), len(op.args), len(args))
		}
		for i, arg := range args {
			if fmt.Sprint(op.args[i]) != fmt.Sprint(arg.Value) {
				return nil, fmt.Errorf("query %q arg %d: want %v got %v", NormalizeSQL(query), i+1, op.args[i], arg.Value)
			}
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return execResult{r: op.result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

// CheckNamedValue accepts any argument type so tests see the raw values.
func (c *conn) CheckNamedValue(*driver.NamedValue) error { return nil }

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]any
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	for i, v := range r.values[r.idx] {
		dest[i] = v
	}
	r.idx++
	return nil
}

// NormalizeSQL collapses whitespace so expected statements can be written
// over several lines.
func NormalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
