package server

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql/schema_ref"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/arrowgate/arrowgate/engine"
	"github.com/arrowgate/arrowgate/engine/enginetest"
)

func TestLikeMatcher(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"emp%", "employees", true},
		{"emp%", "emp", true},
		{"emp%", "Employees", false},
		{"emp%", "temp", false},
		{"%emp%", "temporary", true},
		{"_mp", "emp", true},
		{"_mp", "mp", false},
		{"_mp", "lamp", false},
		{"a.c", "a.c", true},
		{"a.c", "abc", false},
		{"100\\%", "100\\x", true},
		{"", "", true},
		{"", "x", false},
	}
	for _, tc := range cases {
		m, err := compileLikePattern(tc.pattern)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.pattern, err)
		}
		if got := m.match(tc.input); got != tc.want {
			t.Errorf("pattern %q input %q: got %v, want %v", tc.pattern, tc.input, got, tc.want)
		}
	}
}

func metadataSession(t *testing.T) *clientSession {
	t.Helper()
	empSchema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	eng := &enginetest.Engine{Script: enginetest.Script{
		Catalogs: []string{"main", "archive"},
		Schemas: []engine.DBSchema{
			{Catalog: "main", Schema: "public"},
			{Catalog: "main", Schema: "internal"},
			{Catalog: "archive", Schema: "public"},
		},
		Tables: []engine.Table{
			{Catalog: "main", Schema: "public", Name: "employees", Type: "BASE TABLE", ArrowSchema: empSchema},
			{Catalog: "main", Schema: "public", Name: "departments", Type: "BASE TABLE"},
			{Catalog: "main", Schema: "public", Name: "emp_view", Type: "VIEW"},
			{Catalog: "archive", Schema: "public", Name: "employees", Type: "BASE TABLE"},
		},
		PrimaryKeys: map[string][]engine.KeyColumn{
			"employees": {
				{Catalog: "main", Schema: "public", Table: "employees", Column: "id", KeySequence: 1, KeyName: "employees_pkey"},
			},
		},
		CrossRefs: map[string][]engine.ForeignKeyColumn{
			"departments": {
				{
					PKCatalog: "main", PKSchema: "public", PKTable: "departments", PKColumn: "id",
					FKCatalog: "main", FKSchema: "public", FKTable: "employees", FKColumn: "dept_id",
					KeySequence: 1, UpdateRule: 3, DeleteRule: 1,
				},
			},
		},
	}}
	es, err := eng.OpenSession(context.Background(), engine.Credentials{Username: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	return newClientSession("tok", "tester", es)
}

// collectOne drains a metadata stream, asserting it carries exactly one
// batch and then closes.
func collectOne(t *testing.T, ch <-chan flight.StreamChunk) arrow.RecordBatch {
	t.Helper()
	chunk, ok := <-ch
	if !ok {
		t.Fatal("stream closed without a batch")
	}
	if chunk.Err != nil {
		t.Fatalf("stream error: %v", chunk.Err)
	}
	if _, open := <-ch; open {
		t.Fatal("stream produced more than one batch")
	}
	return chunk.Data
}

func stringColumn(t *testing.T, rec arrow.RecordBatch, i int) []string {
	t.Helper()
	col, ok := rec.Column(i).(*array.String)
	if !ok {
		t.Fatalf("column %d is %T, want string", i, rec.Column(i))
	}
	out := make([]string, col.Len())
	for j := 0; j < col.Len(); j++ {
		out[j] = col.Value(j)
	}
	return out
}

func TestCatalogsResponderSorted(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	schema, ch, err := r.catalogs(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(schema_ref.Catalogs) {
		t.Errorf("schema = %v", schema)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	got := stringColumn(t, rec, 0)
	want := []string{"archive", "main"}
	if len(got) != len(want) {
		t.Fatalf("catalogs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("catalogs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDBSchemasResponderFilters(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	schema, ch, err := r.dbSchemas(context.Background(), sess, GetDBSchemas{
		Catalog:       strPtr("main"),
		SchemaPattern: strPtr("pub%"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(schema_ref.DBSchemas) {
		t.Errorf("schema = %v", schema)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	if rec.NumRows() != 1 {
		t.Fatalf("rows = %d, want 1", rec.NumRows())
	}
	if got := stringColumn(t, rec, 1); got[0] != "public" {
		t.Errorf("schema name = %q", got[0])
	}
}

func TestTablesResponderPatternAndTypes(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	_, ch, err := r.tables(context.Background(), sess, GetTables{
		Catalog:      strPtr("main"),
		TablePattern: strPtr("emp%"),
		TableTypes:   []string{"BASE TABLE"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	names := stringColumn(t, rec, 2)
	if len(names) != 1 || names[0] != "employees" {
		t.Errorf("tables = %v, want [employees]", names)
	}
}

func TestTablesResponderIncludeSchema(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	schema, ch, err := r.tables(context.Background(), sess, GetTables{
		Catalog:       strPtr("main"),
		TablePattern:  strPtr("employees"),
		IncludeSchema: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(schema_ref.TablesWithIncludedSchema) {
		t.Errorf("schema = %v", schema)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	if rec.NumRows() != 1 {
		t.Fatalf("rows = %d", rec.NumRows())
	}
	blob := rec.Column(4).(*array.Binary).Value(0)
	tableSchema, err := flight.DeserializeSchema(blob, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("deserialize table schema: %v", err)
	}
	if tableSchema.NumFields() != 2 {
		t.Errorf("table schema has %d fields, want 2", tableSchema.NumFields())
	}
}

func TestTablesResponderDeterministic(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)
	cmd := GetTables{SchemaPattern: strPtr("public")}

	_, ch1, err := r.tables(context.Background(), sess, cmd)
	if err != nil {
		t.Fatal(err)
	}
	rec1 := collectOne(t, ch1)
	defer rec1.Release()

	_, ch2, err := r.tables(context.Background(), sess, cmd)
	if err != nil {
		t.Fatal(err)
	}
	rec2 := collectOne(t, ch2)
	defer rec2.Release()

	if !array.RecordEqual(rec1, rec2) {
		t.Error("identical requests produced different batches")
	}
}

func TestTableTypesResponderDistinctSorted(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	schema, ch, err := r.tableTypes(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(schema_ref.TableTypes) {
		t.Errorf("schema = %v", schema)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	got := stringColumn(t, rec, 0)
	want := []string{"BASE TABLE", "VIEW"}
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPrimaryKeysResponder(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	schema, ch, err := r.primaryKeys(context.Background(), sess, GetPrimaryKeys{Table: "employees"})
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(schema_ref.PrimaryKeys) {
		t.Errorf("schema = %v", schema)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	if rec.NumRows() != 1 {
		t.Fatalf("rows = %d", rec.NumRows())
	}
	if got := stringColumn(t, rec, 3); got[0] != "id" {
		t.Errorf("key column = %q", got[0])
	}
}

func TestPrimaryKeysResponderUnknownTableEmptyBatch(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	_, ch, err := r.primaryKeys(context.Background(), sess, GetPrimaryKeys{Table: "no_such_table"})
	if err != nil {
		t.Fatalf("unknown table must not error: %v", err)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	if rec.NumRows() != 0 {
		t.Errorf("rows = %d, want 0", rec.NumRows())
	}
}

func TestCrossReferenceResponder(t *testing.T) {
	r := newMetadataResponder(memory.DefaultAllocator)
	sess := metadataSession(t)

	schema, ch, err := r.crossReference(context.Background(), sess, GetCrossReference{
		PKTable: "departments",
		FKTable: "employees",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(schema_ref.CrossReference) {
		t.Errorf("schema = %v", schema)
	}
	rec := collectOne(t, ch)
	defer rec.Release()

	if rec.NumRows() != 1 {
		t.Fatalf("rows = %d", rec.NumRows())
	}
	if got := stringColumn(t, rec, 7); got[0] != "dept_id" {
		t.Errorf("fk column = %q", got[0])
	}
	rules := rec.Column(11).(*array.Uint8)
	if rules.Value(0) != 3 {
		t.Errorf("update rule = %d", rules.Value(0))
	}
}
