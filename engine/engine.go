// Package engine defines the capability boundary between the Flight SQL
// protocol core and an underlying query engine. The core talks to the
// engine only through these interfaces: it never parses, plans, or
// executes SQL itself.
package engine

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// Credentials are opaque client credentials forwarded verbatim from the
// transport handshake. The engine decides what, if anything, they mean.
type Credentials struct {
	Username string
	Password string
	// Token is a bearer token supplied instead of (or in addition to)
	// username/password. Opaque to the core.
	Token string
}

// Plan describes a planned statement without materializing any rows.
type Plan struct {
	// ParameterSchema lists the statement's bind parameters. Empty schema
	// (zero fields) for statements without parameters, never nil.
	ParameterSchema *arrow.Schema
	// ResultSchema is the schema every batch of the eventual result
	// stream will carry. Never nil; zero fields for updates.
	ResultSchema *arrow.Schema
}

// TableFilter narrows a ListTables call. Pattern filtering (SQL LIKE
// semantics) is applied by the caller, not the engine; Catalog is an
// exact-match hint the engine may ignore.
type TableFilter struct {
	Catalog *string
}

// TableRef names a table. Catalog and Schema are nil when the client did
// not qualify the reference.
type TableRef struct {
	Catalog *string
	Schema  *string
	Table   string
}

// DBSchema is one row of a schema listing.
type DBSchema struct {
	Catalog string
	Schema  string
}

// Table is one row of a table listing. ArrowSchema may be nil when the
// engine cannot cheaply compute it; callers that need it probe per table.
type Table struct {
	Catalog     string
	Schema      string
	Name        string
	Type        string
	ArrowSchema *arrow.Schema
}

// KeyColumn is one column of a table's primary key.
type KeyColumn struct {
	Catalog     string
	Schema      string
	Table       string
	Column      string
	KeySequence int32
	KeyName     string
}

// ForeignKeyColumn is one column pair of a foreign-key relationship
// between a referenced (pk) table and a referencing (fk) table.
type ForeignKeyColumn struct {
	PKCatalog   string
	PKSchema    string
	PKTable     string
	PKColumn    string
	PKKeyName   string
	FKCatalog   string
	FKSchema    string
	FKTable     string
	FKColumn    string
	FKKeyName   string
	KeySequence int32
	UpdateRule  uint8
	DeleteRule  uint8
}

// Engine is the entry point of a query engine implementation.
type Engine interface {
	// OpenSession binds an execution context (catalog defaults, session
	// options) for one client. Implementations validate the credentials
	// themselves; the core forwards them unchanged. Sessions are not
	// assumed safe for concurrent use: the core serializes operations on
	// a session and never shares one across client sessions.
	OpenSession(ctx context.Context, creds Credentials) (Session, error)
}

// Session is an engine-owned execution context. All methods may block;
// they honor ctx cancellation.
type Session interface {
	// Plan parses and plans sql without executing it. A failure here is a
	// plan error (bad SQL, unknown relation) and must carry KindPlan.
	Plan(ctx context.Context, sql string) (Plan, error)

	// Query executes sql and returns a lazy stream of result batches, all
	// carrying one schema. The stream must be closed by the caller;
	// closing it early releases engine-side cursors.
	Query(ctx context.Context, sql string) (ResultStream, error)

	// Update executes a statement that produces no result set and
	// returns the number of affected rows.
	Update(ctx context.Context, sql string) (int64, error)

	// ListCatalogs returns all catalog names, unordered.
	ListCatalogs(ctx context.Context) ([]string, error)

	// ListSchemas returns all schemas, optionally narrowed to one catalog.
	ListSchemas(ctx context.Context, catalog *string) ([]DBSchema, error)

	// ListTables returns the full table listing matching the filter.
	ListTables(ctx context.Context, filter TableFilter) ([]Table, error)

	// ListPrimaryKeys returns the primary-key columns of ref, empty when
	// the table has no primary key or does not exist.
	ListPrimaryKeys(ctx context.Context, ref TableRef) ([]KeyColumn, error)

	// ListCrossReference returns the foreign-key columns in fkRef that
	// reference pkRef, empty when either table is unknown.
	ListCrossReference(ctx context.Context, pkRef, fkRef TableRef) ([]ForeignKeyColumn, error)

	// Close releases the session and every resource it owns.
	Close() error
}

// ResultStream is a lazy, finite, non-restartable sequence of record
// batches sharing one schema.
type ResultStream interface {
	// Schema returns the schema shared by every batch.
	Schema() *arrow.Schema

	// Next returns the next batch or io.EOF when the stream is done. A
	// returned batch is owned by the caller, which must Release it.
	Next(ctx context.Context) (arrow.RecordBatch, error)

	// Close stops production and releases engine-side resources. Safe to
	// call more than once and before the stream is drained.
	Close() error
}
