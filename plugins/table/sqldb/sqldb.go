package sqldb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"qnaclean/pkg/contract"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultTable   = "results"
	defaultBusyMS  = 5000
	insertChunkLen = 500
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options: SQL 结果表选项。
type Options struct {
	// Driver: "sqlite"（modernc.org/sqlite）或 "postgres"（lib/pq）。
	Driver string `json:"driver,omitempty"`
	// DSN: 连接串；sqlite 为文件路径或 file: URI。
	DSN string `json:"dsn"`
	// Table: 表名，默认 "results"。
	Table string `json:"table,omitempty"`
	// BusyTimeoutMS: sqlite busy_timeout；0 表示 5000。
	BusyTimeoutMS int `json:"busy_timeout_ms,omitempty"`
}

// row: 表列映射（goqu 扫描）。
type row struct {
	ID       int64  `db:"id"`
	Question string `db:"reformulated_question"`
	Answer   string `db:"answer"`
	Category string `db:"category"`
}

// Table 以 SQL 表实现 contract.Table（id 为主键）。
type Table struct {
	driver string
	table  string
	busyMS int
	sqlDB  *sql.DB
	db     *goqu.Database

	mu    sync.Mutex
	ready bool
}

var _ contract.Table = (*Table)(nil)

// NewSQLite 返回 sqlite 表工厂。
func NewSQLite(raw json.RawMessage) (contract.Table, error) { return newWithDriver(raw, DriverSQLite) }

// NewPostgres 返回 postgres 表工厂。
func NewPostgres(raw json.RawMessage) (contract.Table, error) {
	return newWithDriver(raw, DriverPostgres)
}

func newWithDriver(raw json.RawMessage, driver string) (contract.Table, error) {
	var o Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("sql table options: %w", err)
		}
	}
	if o.Driver == "" {
		o.Driver = driver
	}
	return Open(o)
}

// Open 打开连接池（不触发建表；首次访问时建表）。
func Open(o Options) (*Table, error) {
	var dialect string
	switch o.Driver {
	case DriverSQLite:
		dialect = "sqlite3"
	case DriverPostgres:
		dialect = "postgres"
	default:
		return nil, fmt.Errorf("sql table: unknown driver %q: %w", o.Driver, contract.ErrInvalidInput)
	}
	if strings.TrimSpace(o.DSN) == "" {
		return nil, fmt.Errorf("sql table: dsn required: %w", contract.ErrInvalidInput)
	}
	name := o.Table
	if name == "" {
		name = defaultTable
	}
	if !identRe.MatchString(name) {
		return nil, fmt.Errorf("sql table: table name %q: %w", name, contract.ErrInvalidInput)
	}
	busy := o.BusyTimeoutMS
	if busy <= 0 {
		busy = defaultBusyMS
	}
	sqlDB, err := sql.Open(o.Driver, o.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql table open: %v: %w", err, contract.ErrStorage)
	}
	if o.Driver == DriverSQLite {
		// 单写者：避免 SQLITE_BUSY 与每连接 pragma 不一致
		sqlDB.SetMaxOpenConns(1)
	}
	return &Table{driver: o.Driver, table: name, busyMS: busy, sqlDB: sqlDB, db: goqu.New(dialect, sqlDB)}, nil
}

func (t *Table) ensure(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready {
		return nil
	}
	var stmts []string
	if t.driver == DriverSQLite {
		stmts = append(stmts,
			fmt.Sprintf("PRAGMA busy_timeout = %d", t.busyMS),
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	reformulated_question TEXT NOT NULL,
	answer TEXT NOT NULL,
	category TEXT NOT NULL
)`, t.table))
	for _, s := range stmts {
		if _, err := t.sqlDB.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("sql table schema: %v: %w", err, contract.ErrStorage)
		}
	}
	t.ready = true
	return nil
}

// Load 按 id 升序返回全部记录。
func (t *Table) Load(ctx context.Context) ([]contract.ResultRecord, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, err
	}
	var rows []row
	err := t.db.From(t.table).
		Select("id", "reformulated_question", "answer", "category").
		Order(goqu.C("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, wrap(ctx, "load", err)
	}
	out := make([]contract.ResultRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, contract.ResultRecord{ID: contract.RecordID(r.ID), Question: r.Question, Answer: r.Answer, Category: r.Category})
	}
	return out, nil
}

// Append 在单个事务内按 id 先删后插（同批重复 id 后写覆盖）。
func (t *Table) Append(ctx context.Context, recs []contract.ResultRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if err := t.ensure(ctx); err != nil {
		return err
	}
	recs = contract.NewRows(recs).Records()
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, int64(r.ID))
	}
	return t.tx(ctx, "append", func(tx *goqu.TxDatabase) error {
		for start := 0; start < len(ids); start += insertChunkLen {
			end := min(start+insertChunkLen, len(ids))
			if _, err := tx.Delete(t.table).Prepared(true).
				Where(goqu.C("id").In(ids[start:end])).
				Executor().ExecContext(ctx); err != nil {
				return err
			}
		}
		return t.insert(ctx, tx, recs)
	})
}

// Rewrite 在单个事务内清空并写入 recs。
func (t *Table) Rewrite(ctx context.Context, recs []contract.ResultRecord) error {
	if err := t.ensure(ctx); err != nil {
		return err
	}
	recs = contract.NewRows(recs).Records()
	return t.tx(ctx, "rewrite", func(tx *goqu.TxDatabase) error {
		if _, err := tx.Delete(t.table).Executor().ExecContext(ctx); err != nil {
			return err
		}
		return t.insert(ctx, tx, recs)
	})
}

// Close 关闭连接池。
func (t *Table) Close() error { return t.sqlDB.Close() }

func (t *Table) insert(ctx context.Context, tx *goqu.TxDatabase, recs []contract.ResultRecord) error {
	for start := 0; start < len(recs); start += insertChunkLen {
		end := min(start+insertChunkLen, len(recs))
		vals := make([]any, 0, end-start)
		for _, r := range recs[start:end] {
			vals = append(vals, row{ID: int64(r.ID), Question: r.Question, Answer: r.Answer, Category: r.Category})
		}
		if _, err := tx.Insert(t.table).Prepared(true).Rows(vals...).Executor().ExecContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) tx(ctx context.Context, op string, fn func(tx *goqu.TxDatabase) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(ctx, op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrap(ctx, op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(ctx, op, err)
	}
	return nil
}

// wrap: 取消原样上抛，其余归为存储错误。
func wrap(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("sql table %s: %v: %w", op, err, contract.ErrStorage)
}
