// Package duckdbengine implements the engine interfaces on an embedded
// DuckDB database.
package duckdbengine

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/arrowgate/arrowgate/engine"
)

const (
	defaultBatchSize = 1024

	planErrCode = "42000"
	execErrCode = "XX000"
)

// Config tunes the DuckDB engine.
type Config struct {
	// Users maps usernames to passwords. Empty means no authentication:
	// any credentials open a session.
	Users map[string]string
	// BatchSize caps rows per result batch.
	BatchSize int
	Alloc     memory.Allocator
}

// Engine serves sessions backed by one DuckDB database. Each session
// pins its own connection so per-session state (temp tables, settings)
// stays isolated.
type Engine struct {
	db        *sql.DB
	users     map[string]string
	batchSize int
	alloc     memory.Allocator
}

// Open opens the DuckDB database at dsn. An empty dsn is an in-memory
// database.
func Open(dsn string, cfg Config) (*Engine, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	alloc := cfg.Alloc
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Engine{db: db, users: cfg.Users, batchSize: batchSize, alloc: alloc}, nil
}

// Close closes the underlying database. Open sessions become unusable.
func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) OpenSession(ctx context.Context, creds engine.Credentials) (engine.Session, error) {
	if len(e.users) > 0 && !validateUserPassword(e.users, creds.Username, creds.Password) {
		return nil, engine.PlanErrf("28000", "invalid credentials for user %q", creds.Username)
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	return &session{conn: conn, batchSize: e.batchSize, alloc: e.alloc}, nil
}

const invalidPasswordSentinel = "\x00duckdb-engine-no-such-user\x00"

// validateUserPassword checks credentials without leaking user existence
// through compare timing.
func validateUserPassword(users map[string]string, username, password string) bool {
	expected, found := users[username]
	if !found {
		expected = invalidPasswordSentinel
	}
	matches := subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1
	return found && matches
}

type session struct {
	conn      *sql.Conn
	batchSize int
	alloc     memory.Allocator
}

// isRowReturning classifies a statement by its leading keyword. DuckDB
// row-returning statements all start with one of these.
func isRowReturning(query string) bool {
	trimmed := strings.TrimSpace(query)
	for _, prefix := range []string{"SELECT", "WITH", "VALUES", "SHOW", "DESCRIBE", "PRAGMA", "FROM", "EXPLAIN", "CALL", "TABLE"} {
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}

var emptySchema = arrow.NewSchema(nil, nil)

func (s *session) Plan(ctx context.Context, query string) (engine.Plan, error) {
	if !isRowReturning(query) {
		// Updates carry no result schema. Validate the statement without
		// running it.
		stmt, err := s.conn.PrepareContext(ctx, query)
		if err != nil {
			return engine.Plan{}, engine.PlanErr(planErrCode, err)
		}
		_ = stmt.Close()
		return engine.Plan{ParameterSchema: emptySchema, ResultSchema: emptySchema}, nil
	}

	schema, err := s.querySchema(ctx, query)
	if err != nil {
		return engine.Plan{}, engine.PlanErr(planErrCode, err)
	}
	return engine.Plan{ParameterSchema: emptySchema, ResultSchema: schema}, nil
}

// querySchema probes the result shape by running the statement with a
// zero-row limit.
func (s *session) querySchema(ctx context.Context, query string) (*arrow.Schema, error) {
	probe := "SELECT * FROM (" + strings.TrimRight(strings.TrimSpace(query), ";") + ") LIMIT 0"
	rows, err := s.conn.QueryContext(ctx, probe)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	fields := make([]arrow.Field, len(colTypes))
	for i, ct := range colTypes {
		fields[i] = arrow.Field{Name: ct.Name(), Type: duckdbTypeToArrow(ct.DatabaseTypeName()), Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func (s *session) Query(ctx context.Context, query string) (engine.ResultStream, error) {
	schema, err := s.querySchema(ctx, query)
	if err != nil {
		return nil, engine.PlanErr(planErrCode, err)
	}
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	return &rowStream{rows: rows, schema: schema, batchSize: s.batchSize, alloc: s.alloc}, nil
}

func (s *session) Update(ctx context.Context, query string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, engine.ExecErr(execErrCode, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, engine.ExecErr(execErrCode, err)
	}
	return affected, nil
}

func (s *session) ListCatalogs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT DISTINCT catalog_name FROM information_schema.schemata ORDER BY catalog_name")
	if err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var catalogs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, engine.ExecErr(execErrCode, err)
		}
		catalogs = append(catalogs, name)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	return catalogs, nil
}

func (s *session) ListSchemas(ctx context.Context, catalog *string) ([]engine.DBSchema, error) {
	query := "SELECT catalog_name, schema_name FROM information_schema.schemata WHERE 1=1"
	args := make([]any, 0, 1)
	if catalog != nil && *catalog != "" {
		query += " AND catalog_name = ?"
		args = append(args, *catalog)
	}
	query += " ORDER BY catalog_name, schema_name"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var schemas []engine.DBSchema
	for rows.Next() {
		var sc engine.DBSchema
		if err := rows.Scan(&sc.Catalog, &sc.Schema); err != nil {
			return nil, engine.ExecErr(execErrCode, err)
		}
		schemas = append(schemas, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	return schemas, nil
}

func (s *session) ListTables(ctx context.Context, filter engine.TableFilter) ([]engine.Table, error) {
	query := "SELECT table_catalog, table_schema, table_name, table_type FROM information_schema.tables WHERE 1=1"
	args := make([]any, 0, 1)
	if filter.Catalog != nil && *filter.Catalog != "" {
		query += " AND table_catalog = ?"
		args = append(args, *filter.Catalog)
	}
	query += " ORDER BY table_catalog, table_schema, table_name"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tables []engine.Table
	for rows.Next() {
		var t engine.Table
		if err := rows.Scan(&t.Catalog, &t.Schema, &t.Name, &t.Type); err != nil {
			return nil, engine.ExecErr(execErrCode, err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	return tables, nil
}

func (s *session) ListPrimaryKeys(ctx context.Context, ref engine.TableRef) ([]engine.KeyColumn, error) {
	query := `SELECT tc.table_catalog, tc.table_schema, tc.table_name, kcu.column_name,
		kcu.ordinal_position, tc.constraint_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_catalog = kcu.constraint_catalog
		AND tc.constraint_schema = kcu.constraint_schema
		AND tc.constraint_name = kcu.constraint_name
	WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = ?`
	args := []any{ref.Table}
	if ref.Catalog != nil && *ref.Catalog != "" {
		query += " AND tc.table_catalog = ?"
		args = append(args, *ref.Catalog)
	}
	if ref.Schema != nil && *ref.Schema != "" {
		query += " AND tc.table_schema = ?"
		args = append(args, *ref.Schema)
	}
	query += " ORDER BY kcu.ordinal_position"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var cols []engine.KeyColumn
	for rows.Next() {
		var c engine.KeyColumn
		if err := rows.Scan(&c.Catalog, &c.Schema, &c.Table, &c.Column, &c.KeySequence, &c.KeyName); err != nil {
			return nil, engine.ExecErr(execErrCode, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	return cols, nil
}

func (s *session) ListCrossReference(ctx context.Context, pkRef, fkRef engine.TableRef) ([]engine.ForeignKeyColumn, error) {
	query := `SELECT
		pk.table_catalog, pk.table_schema, pk.table_name, pk.column_name, rc.unique_constraint_name,
		fk.table_catalog, fk.table_schema, fk.table_name, fk.column_name, rc.constraint_name,
		fk.ordinal_position, rc.update_rule, rc.delete_rule
	FROM information_schema.referential_constraints rc
	JOIN information_schema.key_column_usage fk
		ON rc.constraint_catalog = fk.constraint_catalog
		AND rc.constraint_schema = fk.constraint_schema
		AND rc.constraint_name = fk.constraint_name
	JOIN information_schema.key_column_usage pk
		ON rc.unique_constraint_catalog = pk.constraint_catalog
		AND rc.unique_constraint_schema = pk.constraint_schema
		AND rc.unique_constraint_name = pk.constraint_name
		AND pk.ordinal_position = fk.ordinal_position
	WHERE pk.table_name = ? AND fk.table_name = ?`
	args := []any{pkRef.Table, fkRef.Table}
	if pkRef.Catalog != nil && *pkRef.Catalog != "" {
		query += " AND pk.table_catalog = ?"
		args = append(args, *pkRef.Catalog)
	}
	if pkRef.Schema != nil && *pkRef.Schema != "" {
		query += " AND pk.table_schema = ?"
		args = append(args, *pkRef.Schema)
	}
	if fkRef.Catalog != nil && *fkRef.Catalog != "" {
		query += " AND fk.table_catalog = ?"
		args = append(args, *fkRef.Catalog)
	}
	if fkRef.Schema != nil && *fkRef.Schema != "" {
		query += " AND fk.table_schema = ?"
		args = append(args, *fkRef.Schema)
	}
	query += " ORDER BY fk.ordinal_position"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var cols []engine.ForeignKeyColumn
	for rows.Next() {
		var c engine.ForeignKeyColumn
		var updateRule, deleteRule string
		if err := rows.Scan(&c.PKCatalog, &c.PKSchema, &c.PKTable, &c.PKColumn, &c.PKKeyName,
			&c.FKCatalog, &c.FKSchema, &c.FKTable, &c.FKColumn, &c.FKKeyName,
			&c.KeySequence, &updateRule, &deleteRule); err != nil {
			return nil, engine.ExecErr(execErrCode, err)
		}
		c.UpdateRule = referentialRuleCode(updateRule)
		c.DeleteRule = referentialRuleCode(deleteRule)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.ExecErr(execErrCode, err)
	}
	return cols, nil
}

// referentialRuleCode maps an information_schema rule name to the JDBC
// numeric code the Flight SQL key schemas carry.
func referentialRuleCode(rule string) uint8 {
	switch strings.ToUpper(rule) {
	case "CASCADE":
		return 0
	case "RESTRICT":
		return 1
	case "SET NULL":
		return 2
	case "NO ACTION":
		return 3
	case "SET DEFAULT":
		return 4
	default:
		return 3
	}
}

func (s *session) Close() error {
	return s.conn.Close()
}
