package server

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql/schema_ref"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/arrowgate/arrowgate/engine"
)

// likeMatcher compiles a SQL LIKE pattern ('%' any run, '_' one rune,
// anything else literal, case sensitive) into an anchored regexp.
type likeMatcher struct {
	re *regexp.Regexp
}

func compileLikePattern(pattern string) (*likeMatcher, error) {
	var sb strings.Builder
	sb.WriteString(`\A`)
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(`.*`)
		case '_':
			sb.WriteString(`.`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(`\z`)
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	return &likeMatcher{re: re}, nil
}

func (m *likeMatcher) match(s string) bool {
	return m.re.MatchString(s)
}

// optionalMatcher compiles pattern when present; a nil or empty pattern
// matches everything.
func optionalMatcher(pattern *string) (*likeMatcher, error) {
	if pattern == nil || *pattern == "" {
		return nil, nil
	}
	return compileLikePattern(*pattern)
}

func matches(m *likeMatcher, s string) bool {
	return m == nil || m.match(s)
}

// metadataResponder answers the catalog browsing commands. Each responder
// pulls a full listing from the engine session, filters and orders it on
// the server side, and emits exactly one record batch. Ordering is fixed
// so two identical requests against an unchanged catalog produce
// byte-identical batches.
type metadataResponder struct {
	alloc memory.Allocator
}

func newMetadataResponder(alloc memory.Allocator) *metadataResponder {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &metadataResponder{alloc: alloc}
}

// oneChunk wraps a finished record batch in the single-element stream
// shape the Flight server expects.
func oneChunk(rec arrow.RecordBatch) <-chan flight.StreamChunk {
	ch := make(chan flight.StreamChunk, 1)
	ch <- flight.StreamChunk{Data: rec}
	close(ch)
	return ch
}

func (r *metadataResponder) catalogs(ctx context.Context, sess *clientSession) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	names, err := sess.listCatalogs(ctx)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(names)

	builder := array.NewRecordBuilder(r.alloc, schema_ref.Catalogs)
	defer builder.Release()
	nameB := builder.Field(0).(*array.StringBuilder)
	for _, name := range names {
		nameB.Append(name)
	}
	return schema_ref.Catalogs, oneChunk(builder.NewRecordBatch()), nil
}

func (r *metadataResponder) dbSchemas(ctx context.Context, sess *clientSession, cmd GetDBSchemas) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	matcher, err := optionalMatcher(cmd.SchemaPattern)
	if err != nil {
		return nil, nil, err
	}
	schemas, err := sess.listSchemas(ctx, cmd.Catalog)
	if err != nil {
		return nil, nil, err
	}

	filtered := schemas[:0:0]
	for _, s := range schemas {
		if cmd.Catalog != nil && s.Catalog != *cmd.Catalog {
			continue
		}
		if !matches(matcher, s.Schema) {
			continue
		}
		filtered = append(filtered, s)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Catalog != filtered[j].Catalog {
			return filtered[i].Catalog < filtered[j].Catalog
		}
		return filtered[i].Schema < filtered[j].Schema
	})

	builder := array.NewRecordBuilder(r.alloc, schema_ref.DBSchemas)
	defer builder.Release()
	catalogB := builder.Field(0).(*array.StringBuilder)
	schemaB := builder.Field(1).(*array.StringBuilder)
	for _, s := range filtered {
		catalogB.Append(s.Catalog)
		schemaB.Append(s.Schema)
	}
	return schema_ref.DBSchemas, oneChunk(builder.NewRecordBatch()), nil
}

// tablesSchema selects the response schema for a table listing.
func tablesSchema(includeSchema bool) *arrow.Schema {
	if includeSchema {
		return schema_ref.TablesWithIncludedSchema
	}
	return schema_ref.Tables
}

func (r *metadataResponder) tables(ctx context.Context, sess *clientSession, cmd GetTables) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	schemaMatcher, err := optionalMatcher(cmd.SchemaPattern)
	if err != nil {
		return nil, nil, err
	}
	tableMatcher, err := optionalMatcher(cmd.TablePattern)
	if err != nil {
		return nil, nil, err
	}
	var typeSet map[string]struct{}
	if len(cmd.TableTypes) > 0 {
		typeSet = make(map[string]struct{}, len(cmd.TableTypes))
		for _, t := range cmd.TableTypes {
			typeSet[t] = struct{}{}
		}
	}

	tables, err := sess.listTables(ctx, engine.TableFilter{Catalog: cmd.Catalog})
	if err != nil {
		return nil, nil, err
	}

	filtered := tables[:0:0]
	for _, t := range tables {
		if cmd.Catalog != nil && t.Catalog != *cmd.Catalog {
			continue
		}
		if !matches(schemaMatcher, t.Schema) || !matches(tableMatcher, t.Name) {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[t.Type]; !ok {
				continue
			}
		}
		filtered = append(filtered, t)
	}
	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.Catalog != b.Catalog {
			return a.Catalog < b.Catalog
		}
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		return a.Name < b.Name
	})

	schema := tablesSchema(cmd.IncludeSchema)
	builder := array.NewRecordBuilder(r.alloc, schema)
	defer builder.Release()
	catalogB := builder.Field(0).(*array.StringBuilder)
	schemaB := builder.Field(1).(*array.StringBuilder)
	nameB := builder.Field(2).(*array.StringBuilder)
	typeB := builder.Field(3).(*array.StringBuilder)
	var arrowSchemaB *array.BinaryBuilder
	if cmd.IncludeSchema {
		arrowSchemaB = builder.Field(4).(*array.BinaryBuilder)
	}

	for _, t := range filtered {
		catalogB.Append(t.Catalog)
		schemaB.Append(t.Schema)
		nameB.Append(t.Name)
		typeB.Append(t.Type)
		if cmd.IncludeSchema {
			tableSchema := t.ArrowSchema
			if tableSchema == nil {
				tableSchema, err = r.probeTableSchema(ctx, sess, t)
				if err != nil {
					return nil, nil, err
				}
			}
			arrowSchemaB.Append(flight.SerializeSchema(tableSchema, r.alloc))
		}
	}
	return schema, oneChunk(builder.NewRecordBatch()), nil
}

// probeTableSchema plans a projection of the table when the listing did
// not already carry its schema.
func (r *metadataResponder) probeTableSchema(ctx context.Context, sess *clientSession, t engine.Table) (*arrow.Schema, error) {
	plan, err := sess.Plan(ctx, "SELECT * FROM "+qualifiedTableName(t.Catalog, t.Schema, t.Name))
	if err != nil {
		return nil, err
	}
	return plan.ResultSchema, nil
}

func qualifiedTableName(catalog, schema, name string) string {
	quote := func(ident string) string {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
	parts := make([]string, 0, 3)
	if catalog != "" {
		parts = append(parts, quote(catalog))
	}
	if schema != "" {
		parts = append(parts, quote(schema))
	}
	parts = append(parts, quote(name))
	return strings.Join(parts, ".")
}

// tableTypes reports the distinct table types present in the catalog,
// sorted ascending.
func (r *metadataResponder) tableTypes(ctx context.Context, sess *clientSession) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	tables, err := sess.listTables(ctx, engine.TableFilter{})
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]struct{})
	types := make([]string, 0, 4)
	for _, t := range tables {
		if _, ok := seen[t.Type]; ok {
			continue
		}
		seen[t.Type] = struct{}{}
		types = append(types, t.Type)
	}
	sort.Strings(types)

	builder := array.NewRecordBuilder(r.alloc, schema_ref.TableTypes)
	defer builder.Release()
	typeB := builder.Field(0).(*array.StringBuilder)
	for _, t := range types {
		typeB.Append(t)
	}
	return schema_ref.TableTypes, oneChunk(builder.NewRecordBatch()), nil
}

// primaryKeys emits the key columns of one table ordered by key sequence.
// An unknown table yields an empty batch, not an error.
func (r *metadataResponder) primaryKeys(ctx context.Context, sess *clientSession, cmd GetPrimaryKeys) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	cols, err := sess.listPrimaryKeys(ctx, engine.TableRef{Catalog: cmd.Catalog, Schema: cmd.Schema, Table: cmd.Table})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].KeySequence < cols[j].KeySequence })

	builder := array.NewRecordBuilder(r.alloc, schema_ref.PrimaryKeys)
	defer builder.Release()
	catalogB := builder.Field(0).(*array.StringBuilder)
	schemaB := builder.Field(1).(*array.StringBuilder)
	tableB := builder.Field(2).(*array.StringBuilder)
	columnB := builder.Field(3).(*array.StringBuilder)
	seqB := builder.Field(4).(*array.Int32Builder)
	keyNameB := builder.Field(5).(*array.StringBuilder)
	for _, c := range cols {
		catalogB.Append(c.Catalog)
		schemaB.Append(c.Schema)
		tableB.Append(c.Table)
		columnB.Append(c.Column)
		seqB.Append(c.KeySequence)
		if c.KeyName != "" {
			keyNameB.Append(c.KeyName)
		} else {
			keyNameB.AppendNull()
		}
	}
	return schema_ref.PrimaryKeys, oneChunk(builder.NewRecordBatch()), nil
}

// crossReference emits the foreign-key columns in the fk table that
// reference the pk table, ordered by key sequence. Unknown tables yield
// an empty batch.
func (r *metadataResponder) crossReference(ctx context.Context, sess *clientSession, cmd GetCrossReference) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	pkRef := engine.TableRef{Catalog: cmd.PKCatalog, Schema: cmd.PKSchema, Table: cmd.PKTable}
	fkRef := engine.TableRef{Catalog: cmd.FKCatalog, Schema: cmd.FKSchema, Table: cmd.FKTable}
	cols, err := sess.listCrossReference(ctx, pkRef, fkRef)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].KeySequence < cols[j].KeySequence })

	builder := array.NewRecordBuilder(r.alloc, schema_ref.CrossReference)
	defer builder.Release()
	appendOptional := func(b *array.StringBuilder, s string) {
		if s != "" {
			b.Append(s)
		} else {
			b.AppendNull()
		}
	}
	for _, c := range cols {
		builder.Field(0).(*array.StringBuilder).Append(c.PKCatalog)
		builder.Field(1).(*array.StringBuilder).Append(c.PKSchema)
		builder.Field(2).(*array.StringBuilder).Append(c.PKTable)
		builder.Field(3).(*array.StringBuilder).Append(c.PKColumn)
		builder.Field(4).(*array.StringBuilder).Append(c.FKCatalog)
		builder.Field(5).(*array.StringBuilder).Append(c.FKSchema)
		builder.Field(6).(*array.StringBuilder).Append(c.FKTable)
		builder.Field(7).(*array.StringBuilder).Append(c.FKColumn)
		builder.Field(8).(*array.Int32Builder).Append(c.KeySequence)
		appendOptional(builder.Field(9).(*array.StringBuilder), c.FKKeyName)
		appendOptional(builder.Field(10).(*array.StringBuilder), c.PKKeyName)
		builder.Field(11).(*array.Uint8Builder).Append(c.UpdateRule)
		builder.Field(12).(*array.Uint8Builder).Append(c.DeleteRule)
	}
	return schema_ref.CrossReference, oneChunk(builder.NewRecordBatch()), nil
}
