package server

import (
	"fmt"

	pb "github.com/apache/arrow-go/v18/arrow/flight/gen/flight"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Command is the closed set of typed Flight SQL request payloads this
// server understands. Every variant carries exactly the fields needed to
// replan or re-fetch; dispatch over the set must be exhaustive (see
// TestCommandSetIsExhaustive).
type Command interface {
	isCommand()
}

// StatementQuery is an ad-hoc query statement.
type StatementQuery struct {
	Query string
}

// StatementUpdate is an ad-hoc update statement.
type StatementUpdate struct {
	Query string
}

// PreparedStatementQuery executes a previously prepared query statement.
type PreparedStatementQuery struct {
	Handle string
}

// PreparedStatementUpdate executes a previously prepared update statement.
type PreparedStatementUpdate struct {
	Handle string
}

// CreatePreparedStatement prepares a statement server-side.
type CreatePreparedStatement struct {
	Query string
}

// ClosePreparedStatement disposes a prepared statement.
type ClosePreparedStatement struct {
	Handle string
}

// GetCatalogs lists catalog names.
type GetCatalogs struct{}

// GetDBSchemas lists schemas, optionally filtered.
type GetDBSchemas struct {
	Catalog       *string
	SchemaPattern *string
}

// GetTables lists tables, optionally filtered.
type GetTables struct {
	Catalog       *string
	SchemaPattern *string
	TablePattern  *string
	TableTypes    []string
	IncludeSchema bool
}

// GetTableTypes lists the distinct table types the catalog contains.
type GetTableTypes struct{}

// GetSqlInfo requests server metadata for the given info ids.
type GetSqlInfo struct {
	Info []uint32
}

// GetPrimaryKeys lists the primary-key columns of one table.
type GetPrimaryKeys struct {
	Catalog *string
	Schema  *string
	Table   string
}

// GetCrossReference lists the foreign keys in one table referencing
// another.
type GetCrossReference struct {
	PKCatalog *string
	PKSchema  *string
	PKTable   string
	FKCatalog *string
	FKSchema  *string
	FKTable   string
}

func (StatementQuery) isCommand()          {}
func (StatementUpdate) isCommand()         {}
func (PreparedStatementQuery) isCommand()  {}
func (PreparedStatementUpdate) isCommand() {}
func (CreatePreparedStatement) isCommand() {}
func (ClosePreparedStatement) isCommand()  {}
func (GetCatalogs) isCommand()             {}
func (GetDBSchemas) isCommand()            {}
func (GetTables) isCommand()               {}
func (GetTableTypes) isCommand()           {}
func (GetSqlInfo) isCommand()              {}
func (GetPrimaryKeys) isCommand()          {}
func (GetCrossReference) isCommand()       {}

// DecodeCommand decodes the protobuf Any envelope the protocol attaches
// to descriptors, tickets and action bodies into a Command. An envelope
// whose type tag is not in the closed set fails with *DecodeError
// carrying the tag.
func DecodeCommand(data []byte) (Command, error) {
	var envelope anypb.Any
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("unmarshal command envelope: %w", err)}
	}
	msg, err := envelope.UnmarshalNew()
	if err != nil {
		return nil, &DecodeError{TypeURL: envelope.GetTypeUrl(), Err: fmt.Errorf("unmarshal command payload: %w", err)}
	}

	switch m := msg.(type) {
	case *pb.CommandStatementQuery:
		return StatementQuery{Query: m.GetQuery()}, nil
	case *pb.CommandStatementUpdate:
		return StatementUpdate{Query: m.GetQuery()}, nil
	case *pb.CommandPreparedStatementQuery:
		return PreparedStatementQuery{Handle: string(m.GetPreparedStatementHandle())}, nil
	case *pb.CommandPreparedStatementUpdate:
		return PreparedStatementUpdate{Handle: string(m.GetPreparedStatementHandle())}, nil
	case *pb.ActionCreatePreparedStatementRequest:
		return CreatePreparedStatement{Query: m.GetQuery()}, nil
	case *pb.ActionClosePreparedStatementRequest:
		return ClosePreparedStatement{Handle: string(m.GetPreparedStatementHandle())}, nil
	case *pb.CommandGetCatalogs:
		return GetCatalogs{}, nil
	case *pb.CommandGetDbSchemas:
		return GetDBSchemas{Catalog: m.Catalog, SchemaPattern: m.DbSchemaFilterPattern}, nil
	case *pb.CommandGetTables:
		return GetTables{
			Catalog:       m.Catalog,
			SchemaPattern: m.DbSchemaFilterPattern,
			TablePattern:  m.TableNameFilterPattern,
			TableTypes:    m.GetTableTypes(),
			IncludeSchema: m.GetIncludeSchema(),
		}, nil
	case *pb.CommandGetTableTypes:
		return GetTableTypes{}, nil
	case *pb.CommandGetSqlInfo:
		return GetSqlInfo{Info: m.GetInfo()}, nil
	case *pb.CommandGetPrimaryKeys:
		return GetPrimaryKeys{Catalog: m.Catalog, Schema: m.DbSchema, Table: m.GetTable()}, nil
	case *pb.CommandGetCrossReference:
		return GetCrossReference{
			PKCatalog: m.PkCatalog,
			PKSchema:  m.PkDbSchema,
			PKTable:   m.GetPkTable(),
			FKCatalog: m.FkCatalog,
			FKSchema:  m.FkDbSchema,
			FKTable:   m.GetFkTable(),
		}, nil
	default:
		return nil, &DecodeError{TypeURL: envelope.GetTypeUrl(), Err: fmt.Errorf("unsupported command type %q", envelope.GetTypeUrl())}
	}
}

// EncodeCommand encodes cmd into the same Any envelope DecodeCommand
// reads. Encoding is deterministic and round-trips for every variant.
func EncodeCommand(cmd Command) ([]byte, error) {
	msg, err := commandToProto(cmd)
	if err != nil {
		return nil, err
	}
	envelope, err := anypb.New(msg)
	if err != nil {
		return nil, fmt.Errorf("wrap command envelope: %w", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal command envelope: %w", err)
	}
	return data, nil
}

func commandToProto(cmd Command) (proto.Message, error) {
	switch c := cmd.(type) {
	case StatementQuery:
		return &pb.CommandStatementQuery{Query: c.Query}, nil
	case StatementUpdate:
		return &pb.CommandStatementUpdate{Query: c.Query}, nil
	case PreparedStatementQuery:
		return &pb.CommandPreparedStatementQuery{PreparedStatementHandle: []byte(c.Handle)}, nil
	case PreparedStatementUpdate:
		return &pb.CommandPreparedStatementUpdate{PreparedStatementHandle: []byte(c.Handle)}, nil
	case CreatePreparedStatement:
		return &pb.ActionCreatePreparedStatementRequest{Query: c.Query}, nil
	case ClosePreparedStatement:
		return &pb.ActionClosePreparedStatementRequest{PreparedStatementHandle: []byte(c.Handle)}, nil
	case GetCatalogs:
		return &pb.CommandGetCatalogs{}, nil
	case GetDBSchemas:
		return &pb.CommandGetDbSchemas{Catalog: c.Catalog, DbSchemaFilterPattern: c.SchemaPattern}, nil
	case GetTables:
		return &pb.CommandGetTables{
			Catalog:                c.Catalog,
			DbSchemaFilterPattern:  c.SchemaPattern,
			TableNameFilterPattern: c.TablePattern,
			TableTypes:             c.TableTypes,
			IncludeSchema:          c.IncludeSchema,
		}, nil
	case GetTableTypes:
		return &pb.CommandGetTableTypes{}, nil
	case GetSqlInfo:
		return &pb.CommandGetSqlInfo{Info: c.Info}, nil
	case GetPrimaryKeys:
		return &pb.CommandGetPrimaryKeys{Catalog: c.Catalog, DbSchema: c.Schema, Table: c.Table}, nil
	case GetCrossReference:
		return &pb.CommandGetCrossReference{
			PkCatalog:  c.PKCatalog,
			PkDbSchema: c.PKSchema,
			PkTable:    c.PKTable,
			FkCatalog:  c.FKCatalog,
			FkDbSchema: c.FKSchema,
			FkTable:    c.FKTable,
		}, nil
	default:
		return nil, fmt.Errorf("unencodable command type %T", cmd)
	}
}
