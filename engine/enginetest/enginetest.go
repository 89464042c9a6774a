// Package enginetest provides a scriptable in-memory engine.Engine for
// exercising the protocol core without a real query engine.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/arrowgate/arrowgate/engine"
)

// QueryScript describes the canned response for one SQL string.
type QueryScript struct {
	Schema *arrow.Schema
	// Rows are chunked into batches of BatchRows rows (all rows in one
	// batch when BatchRows is zero).
	Rows      [][]any
	BatchRows int
	// PlanErr, when set, fails Plan and Query for this statement.
	PlanErr error
	// ExecErr, when set, terminates the stream with this error after all
	// batches have been produced.
	ExecErr error
	// ParameterSchema overrides the default empty parameter schema.
	ParameterSchema *arrow.Schema
}

// Script is the full canned state of a fake engine.
type Script struct {
	Queries     map[string]*QueryScript
	Updates     map[string]int64
	Catalogs    []string
	Schemas     []engine.DBSchema
	Tables      []engine.Table
	PrimaryKeys map[string][]engine.KeyColumn        // keyed by table name
	CrossRefs   map[string][]engine.ForeignKeyColumn // keyed by pk table name
}

// Engine is a fake engine.Engine driven by a Script.
type Engine struct {
	Script Script
	// RejectCredentials makes OpenSession fail, for auth pass-through tests.
	RejectCredentials bool

	mu       sync.Mutex
	sessions []*Session
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) OpenSession(_ context.Context, creds engine.Credentials) (engine.Session, error) {
	if e.RejectCredentials {
		return nil, engine.PlanErrf("28000", "credentials rejected for user %q", creds.Username)
	}
	s := &Session{engine: e, Creds: creds}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Session is the fake engine session. It records the streams it produced
// so tests can observe resource release.
type Session struct {
	engine *Engine
	Creds  engine.Credentials

	mu      sync.Mutex
	streams []*Stream
	closed  bool

	PlanCalls   atomic.Int64
	QueryCalls  atomic.Int64
	UpdateCalls atomic.Int64
}

var _ engine.Session = (*Session)(nil)

func (s *Session) script(sql string) (*QueryScript, error) {
	q, ok := s.engine.Script.Queries[sql]
	if !ok {
		return nil, engine.PlanErrf("42601", "syntax error or unknown statement: %s", sql)
	}
	if q.PlanErr != nil {
		return nil, q.PlanErr
	}
	return q, nil
}

func (s *Session) Plan(_ context.Context, sql string) (engine.Plan, error) {
	s.PlanCalls.Add(1)
	if affected, ok := s.engine.Script.Updates[sql]; ok {
		_ = affected
		return engine.Plan{
			ParameterSchema: arrow.NewSchema(nil, nil),
			ResultSchema:    arrow.NewSchema(nil, nil),
		}, nil
	}
	q, err := s.script(sql)
	if err != nil {
		return engine.Plan{}, err
	}
	params := q.ParameterSchema
	if params == nil {
		params = arrow.NewSchema(nil, nil)
	}
	return engine.Plan{ParameterSchema: params, ResultSchema: q.Schema}, nil
}

func (s *Session) Query(_ context.Context, sql string) (engine.ResultStream, error) {
	s.QueryCalls.Add(1)
	q, err := s.script(sql)
	if err != nil {
		return nil, err
	}
	st := &Stream{schema: q.Schema, rows: q.Rows, batchRows: q.BatchRows, execErr: q.ExecErr}
	if st.batchRows <= 0 {
		st.batchRows = len(q.Rows)
		if st.batchRows == 0 {
			st.batchRows = 1
		}
	}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st, nil
}

func (s *Session) Update(_ context.Context, sql string) (int64, error) {
	s.UpdateCalls.Add(1)
	affected, ok := s.engine.Script.Updates[sql]
	if !ok {
		return 0, engine.PlanErrf("42601", "not an update statement: %s", sql)
	}
	return affected, nil
}

func (s *Session) ListCatalogs(context.Context) ([]string, error) {
	return append([]string(nil), s.engine.Script.Catalogs...), nil
}

func (s *Session) ListSchemas(_ context.Context, catalog *string) ([]engine.DBSchema, error) {
	var out []engine.DBSchema
	for _, sc := range s.engine.Script.Schemas {
		if catalog != nil && *catalog != "" && sc.Catalog != *catalog {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *Session) ListTables(_ context.Context, filter engine.TableFilter) ([]engine.Table, error) {
	var out []engine.Table
	for _, t := range s.engine.Script.Tables {
		if filter.Catalog != nil && *filter.Catalog != "" && t.Catalog != *filter.Catalog {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Session) ListPrimaryKeys(_ context.Context, ref engine.TableRef) ([]engine.KeyColumn, error) {
	return append([]engine.KeyColumn(nil), s.engine.Script.PrimaryKeys[ref.Table]...), nil
}

func (s *Session) ListCrossReference(_ context.Context, pkRef, fkRef engine.TableRef) ([]engine.ForeignKeyColumn, error) {
	var out []engine.ForeignKeyColumn
	for _, fk := range s.engine.Script.CrossRefs[pkRef.Table] {
		if fk.FKTable == fkRef.Table {
			out = append(out, fk)
		}
	}
	return out, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Streams returns every stream this session produced.
func (s *Session) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Stream(nil), s.streams...)
}

// Stream is the fake result stream. Batches are materialized on demand
// so tests can count how many the consumer actually pulled.
type Stream struct {
	schema    *arrow.Schema
	rows      [][]any
	batchRows int
	execErr   error

	mu      sync.Mutex
	offset  int
	pulled  int
	closed  bool
	errSent bool
}

var _ engine.ResultStream = (*Stream)(nil)

func (st *Stream) Schema() *arrow.Schema { return st.schema }

func (st *Stream) Next(ctx context.Context) (arrow.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, fmt.Errorf("stream is closed")
	}
	if st.offset >= len(st.rows) {
		if st.execErr != nil && !st.errSent {
			st.errSent = true
			return nil, st.execErr
		}
		return nil, io.EOF
	}
	end := st.offset + st.batchRows
	if end > len(st.rows) {
		end = len(st.rows)
	}
	rec, err := buildRecord(st.schema, st.rows[st.offset:end])
	if err != nil {
		return nil, err
	}
	st.offset = end
	st.pulled++
	return rec, nil
}

func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

// Closed reports whether the consumer released the stream.
func (st *Stream) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// BatchesPulled reports how many batches the consumer pulled.
func (st *Stream) BatchesPulled() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pulled
}

func buildRecord(schema *arrow.Schema, rows [][]any) (arrow.RecordBatch, error) {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()
	for _, row := range rows {
		if len(row) != schema.NumFields() {
			return nil, fmt.Errorf("scripted row has %d values, schema has %d fields", len(row), schema.NumFields())
		}
		for i, v := range row {
			if err := appendValue(builder.Field(i), v); err != nil {
				return nil, fmt.Errorf("field %s: %w", schema.Field(i).Name, err)
			}
		}
	}
	return builder.NewRecordBatch(), nil
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch fb := b.(type) {
	case *array.Int32Builder:
		i, ok := v.(int32)
		if !ok {
			return fmt.Errorf("expected int32, got %T", v)
		}
		fb.Append(i)
	case *array.Int64Builder:
		switch i := v.(type) {
		case int64:
			fb.Append(i)
		case int:
			fb.Append(int64(i))
		default:
			return fmt.Errorf("expected int64, got %T", v)
		}
	case *array.Float64Builder:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", v)
		}
		fb.Append(f)
	case *array.BooleanBuilder:
		t, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		fb.Append(t)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		fb.Append(s)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}
