package server

import (
	"errors"
	"reflect"
	"testing"

	pb "github.com/apache/arrow-go/v18/arrow/flight/gen/flight"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func strPtr(s string) *string { return &s }

// allCommands is one value of every Command variant with every field
// populated. Tests range over it so a new variant cannot be added
// without being covered here.
var allCommands = []Command{
	StatementQuery{Query: "SELECT 1"},
	StatementUpdate{Query: "DELETE FROM t"},
	PreparedStatementQuery{Handle: "h-1"},
	PreparedStatementUpdate{Handle: "h-2"},
	CreatePreparedStatement{Query: "SELECT a FROM t WHERE b = ?"},
	ClosePreparedStatement{Handle: "h-3"},
	GetCatalogs{},
	GetDBSchemas{Catalog: strPtr("main"), SchemaPattern: strPtr("pub%")},
	GetTables{
		Catalog:       strPtr("main"),
		SchemaPattern: strPtr("public"),
		TablePattern:  strPtr("emp%"),
		TableTypes:    []string{"BASE TABLE", "VIEW"},
		IncludeSchema: true,
	},
	GetTableTypes{},
	GetSqlInfo{Info: []uint32{0, 1, 500}},
	GetPrimaryKeys{Catalog: strPtr("main"), Schema: strPtr("public"), Table: "orders"},
	GetCrossReference{
		PKCatalog: strPtr("main"),
		PKSchema:  strPtr("public"),
		PKTable:   "customers",
		FKCatalog: strPtr("main"),
		FKSchema:  strPtr("public"),
		FKTable:   "orders",
	},
}

func TestCommandRoundTrip(t *testing.T) {
	for _, cmd := range allCommands {
		data, err := EncodeCommand(cmd)
		if err != nil {
			t.Fatalf("EncodeCommand(%T): %v", cmd, err)
		}
		got, err := DecodeCommand(data)
		if err != nil {
			t.Fatalf("DecodeCommand(%T): %v", cmd, err)
		}
		if !reflect.DeepEqual(got, cmd) {
			t.Errorf("round trip of %T: got %#v, want %#v", cmd, got, cmd)
		}
	}
}

// TestCommandSetIsExhaustive guards the closed set: every variant must
// round-trip, and the dispatch table must have exactly one case per
// variant. A newly added Command type fails this test until it appears
// both in allCommands and in the codec switches.
func TestCommandSetIsExhaustive(t *testing.T) {
	seen := make(map[reflect.Type]bool)
	for _, cmd := range allCommands {
		typ := reflect.TypeOf(cmd)
		if seen[typ] {
			t.Fatalf("duplicate command type %v in allCommands", typ)
		}
		seen[typ] = true
		if _, err := EncodeCommand(cmd); err != nil {
			t.Errorf("variant %v is not encodable: %v", typ, err)
		}
	}
	const wantVariants = 13
	if len(seen) != wantVariants {
		t.Errorf("allCommands covers %d variants, want %d", len(seen), wantVariants)
	}
}

func TestCommandEncodingIsDeterministic(t *testing.T) {
	cmd := GetTables{
		Catalog:       strPtr("main"),
		SchemaPattern: strPtr("s%"),
		TableTypes:    []string{"VIEW", "BASE TABLE"},
	}
	first, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := EncodeCommand(cmd)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("encoding differs between runs")
		}
	}
}

func TestDecodeCommandGarbage(t *testing.T) {
	_, err := DecodeCommand([]byte{0xff, 0x01, 0x02, 0x03})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestDecodeCommandUnknownType(t *testing.T) {
	// A well-formed Any envelope carrying a type outside the closed set.
	envelope, err := anypb.New(&pb.ActionBeginTransactionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := proto.Marshal(envelope)
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecodeCommand(data)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if decodeErr.TypeURL == "" {
		t.Error("DecodeError should carry the unknown type tag")
	}
}

func TestDecodeCommandNilOptionalFields(t *testing.T) {
	data, err := EncodeCommand(GetDBSchemas{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeCommand(data)
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := got.(GetDBSchemas)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if cmd.Catalog != nil || cmd.SchemaPattern != nil {
		t.Errorf("absent filters must stay nil, got %+v", cmd)
	}
}
