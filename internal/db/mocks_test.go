package db

import (
	"context"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// --- Mock DBTX / TxDB ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

func (m *mockDBTX) Begin(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(pgx.Tx), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockTx forwards statements to the owning mockDBTX so expectations can be
// declared in one place. Methods not overridden here panic if called.
type mockTx struct {
	pgx.Tx
	db         *mockDBTX
	committed  bool
	rolledBack bool
}

func (t *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, arguments...)
}

func (t *mockTx) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, arguments...)
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, arguments...)
}

func (t *mockTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *mockTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

// newTxDB returns a mock pool whose Begin yields a mockTx sharing its
// expectations.
func newTxDB() (*mockDBTX, *mockTx) {
	db := new(mockDBTX)
	tx := &mockTx{db: db}
	db.On("Begin", mock.Anything).Return(tx, nil)
	return db, tx
}

// sqlContains matches the SQL argument of a mocked call.
func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

// --- Mock Row / Rows ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// rowOf builds a mockRow that assigns values positionally.
func rowOf(values ...any) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		assign(dest, values)
		return nil
	}}
}

// assign copies values into scan destinations. A nil value leaves the
// destination at its zero value.
func assign(dest []any, values []any) {
	for i, d := range dest {
		if i >= len(values) || values[i] == nil {
			continue
		}
		target := reflect.ValueOf(d).Elem()
		v := reflect.ValueOf(values[i])
		if target.Kind() == reflect.Pointer && v.Kind() != reflect.Pointer {
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(v.Convert(target.Type().Elem()))
			target.Set(p)
			continue
		}
		target.Set(v.Convert(target.Type()))
	}
}

type mockRows struct {
	data   [][]any
	idx    int
	closed bool
	errVal error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	assign(dest, r.data[r.idx])
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
