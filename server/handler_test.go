package server

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arrowgate/arrowgate/engine"
	"github.com/arrowgate/arrowgate/engine/enginetest"
)

// Fakes for the flightsql command interfaces the handler consumes.

type fakeStatementQuery struct{ query string }

func (f fakeStatementQuery) GetQuery() string       { return f.query }
func (fakeStatementQuery) GetTransactionId() []byte { return nil }

type fakeStatementTicket struct{ handle []byte }

func (f fakeStatementTicket) GetStatementHandle() []byte { return f.handle }

type fakePreparedQuery struct{ handle string }

func (f fakePreparedQuery) GetPreparedStatementHandle() []byte { return []byte(f.handle) }

type fakeCloseRequest struct{ handle string }

func (f fakeCloseRequest) GetPreparedStatementHandle() []byte { return []byte(f.handle) }

type fakeSqlInfoRequest []uint32

func (f fakeSqlInfoRequest) GetInfo() []uint32 { return f }

type fakeGetTables struct {
	catalog       *string
	schemaPattern *string
	tablePattern  *string
	types         []string
	includeSchema bool
}

func (f fakeGetTables) GetCatalog() *string                { return f.catalog }
func (f fakeGetTables) GetDBSchemaFilterPattern() *string  { return f.schemaPattern }
func (f fakeGetTables) GetTableNameFilterPattern() *string { return f.tablePattern }
func (f fakeGetTables) GetTableTypes() []string            { return f.types }
func (f fakeGetTables) GetIncludeSchema() bool             { return f.includeSchema }

func handlerFixture(t *testing.T, script enginetest.Script) (*Handler, *enginetest.Engine) {
	t.Helper()
	eng := &enginetest.Engine{Script: script}
	h, err := NewHandler(eng, HandlerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	return h, eng
}

func basicAuthContext(user, pass string) context.Context {
	header := "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", header))
}

func tokenContext(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(SessionHeaderKey, token))
}

// sessionToken digs the single live session token out of the store.
func sessionToken(t *testing.T, h *Handler) string {
	t.Helper()
	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	if len(h.sessions.sessions) != 1 {
		t.Fatalf("live sessions = %d, want 1", len(h.sessions.sessions))
	}
	for token := range h.sessions.sessions {
		return token
	}
	return ""
}

func drainRows(t *testing.T, ch <-chan flight.StreamChunk) int64 {
	t.Helper()
	var rows int64
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		rows += chunk.Data.NumRows()
		chunk.Data.Release()
	}
	return rows
}

func selectOneScript() enginetest.Script {
	return enginetest.Script{
		Queries: map[string]*enginetest.QueryScript{
			"SELECT 1": {Schema: int64Schema(), Rows: [][]any{{int64(1)}}},
		},
	}
}

func TestHandlerBasicAuthBootstrapsSession(t *testing.T) {
	h, eng := handlerFixture(t, selectOneScript())

	info, err := h.GetFlightInfoStatement(basicAuthContext("alice", "secret"), fakeStatementQuery{"SELECT 1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Endpoint) != 1 {
		t.Fatalf("endpoints = %d", len(info.Endpoint))
	}

	sessions := eng.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("engine sessions = %d, want 1", len(sessions))
	}
	if got := sessions[0].Creds.Username; got != "alice" {
		t.Errorf("username = %q", got)
	}
	if got := sessions[0].Creds.Password; got != "secret" {
		t.Errorf("password = %q", got)
	}
}

func TestHandlerSessionTokenReusesSession(t *testing.T) {
	h, eng := handlerFixture(t, selectOneScript())

	if _, err := h.GetFlightInfoStatement(basicAuthContext("alice", "secret"), fakeStatementQuery{"SELECT 1"}, nil); err != nil {
		t.Fatal(err)
	}
	token := sessionToken(t, h)

	if _, err := h.GetFlightInfoStatement(tokenContext(token), fakeStatementQuery{"SELECT 1"}, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(eng.Sessions()); n != 1 {
		t.Errorf("engine sessions = %d, token must not open a second", n)
	}
}

func TestHandlerAuthFailures(t *testing.T) {
	cases := []struct {
		name string
		ctx  context.Context
	}{
		{"no metadata", context.Background()},
		{"no authorization header", metadata.NewIncomingContext(context.Background(), metadata.MD{})},
		{"unsupported scheme", metadata.NewIncomingContext(context.Background(),
			metadata.Pairs("authorization", "Digest abc"))},
		{"garbage basic payload", metadata.NewIncomingContext(context.Background(),
			metadata.Pairs("authorization", "Basic !!!"))},
		{"unknown session token", tokenContext("deadbeef")},
	}
	h, _ := handlerFixture(t, selectOneScript())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.GetFlightInfoStatement(tc.ctx, fakeStatementQuery{"SELECT 1"}, nil)
			if status.Code(err) != codes.Unauthenticated {
				t.Errorf("err = %v, want Unauthenticated", err)
			}
		})
	}
}

func TestHandlerEngineRejectsCredentials(t *testing.T) {
	eng := &enginetest.Engine{RejectCredentials: true}
	h, err := NewHandler(eng, HandlerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	_, err = h.GetFlightInfoStatement(basicAuthContext("mallory", "guess"), fakeStatementQuery{"SELECT 1"}, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("err = %v, want Unauthenticated", err)
	}
}

func TestHandlerStatementRoundTrip(t *testing.T) {
	h, _ := handlerFixture(t, selectOneScript())
	ctx := basicAuthContext("alice", "secret")

	info, err := h.GetFlightInfoStatement(ctx, fakeStatementQuery{"SELECT 1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The transport unwraps the statement-ticket envelope before the
	// handler sees it; do the same here.
	handle := unwrapStatementTicket(t, info.Endpoint[0].Ticket.Ticket)

	token := sessionToken(t, h)
	schema, ch, err := h.DoGetStatement(tokenContext(token), fakeStatementTicket{handle})
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(int64Schema()) {
		t.Errorf("schema = %v", schema)
	}
	if rows := drainRows(t, ch); rows != 1 {
		t.Errorf("rows = %d", rows)
	}
}

func TestHandlerInvalidSQLFailsAtGetFlightInfo(t *testing.T) {
	h, eng := handlerFixture(t, selectOneScript())

	_, err := h.GetFlightInfoStatement(basicAuthContext("alice", "secret"), fakeStatementQuery{"SELEKT 1"}, nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	if n := eng.Sessions()[0].QueryCalls.Load(); n != 0 {
		t.Errorf("QueryCalls = %d, bad SQL must fail before execution", n)
	}
}

func TestHandlerStatementUpdate(t *testing.T) {
	h, _ := handlerFixture(t, enginetest.Script{
		Updates: map[string]int64{"DELETE FROM t WHERE v > 10": 7},
	})

	n, err := h.DoPutCommandStatementUpdate(basicAuthContext("alice", "secret"),
		fakeStatementQuery{"DELETE FROM t WHERE v > 10"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("affected = %d, want 7", n)
	}
}

func TestHandlerPreparedStatementLifecycle(t *testing.T) {
	h, _ := handlerFixture(t, selectOneScript())
	if _, err := h.GetFlightInfoCatalogs(basicAuthContext("alice", "secret"), nil); err != nil {
		t.Fatal(err)
	}
	ctx := tokenContext(sessionToken(t, h))

	result, err := h.CreatePreparedStatement(ctx, fakeStatementQuery{"SELECT 1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Handle) == 0 {
		t.Fatal("empty prepared statement handle")
	}
	if !result.DatasetSchema.Equal(int64Schema()) {
		t.Errorf("dataset schema = %v", result.DatasetSchema)
	}
	if result.ParameterSchema.NumFields() != 0 {
		t.Errorf("parameter schema has %d fields", result.ParameterSchema.NumFields())
	}
	handle := string(result.Handle)

	info, err := h.GetFlightInfoPreparedStatement(ctx, fakePreparedQuery{handle}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Endpoint) != 1 {
		t.Fatalf("endpoints = %d", len(info.Endpoint))
	}

	_, ch, err := h.DoGetPreparedStatement(ctx, fakePreparedQuery{handle})
	if err != nil {
		t.Fatal(err)
	}
	if rows := drainRows(t, ch); rows != 1 {
		t.Errorf("rows = %d", rows)
	}

	if err := h.ClosePreparedStatement(ctx, fakeCloseRequest{handle}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.GetFlightInfoPreparedStatement(ctx, fakePreparedQuery{handle}, nil); status.Code(err) != codes.NotFound {
		t.Errorf("GetFlightInfo after close = %v, want NotFound", err)
	}
	if _, _, err := h.DoGetPreparedStatement(ctx, fakePreparedQuery{handle}); status.Code(err) != codes.NotFound {
		t.Errorf("DoGet after close = %v, want NotFound", err)
	}
	if err := h.ClosePreparedStatement(ctx, fakeCloseRequest{handle}); status.Code(err) != codes.NotFound {
		t.Errorf("second close = %v, want NotFound", err)
	}
}

// otherSessionToken returns the live token that is not exclude.
func otherSessionToken(t *testing.T, h *Handler, exclude string) string {
	t.Helper()
	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	for token := range h.sessions.sessions {
		if token != exclude {
			return token
		}
	}
	t.Fatal("no second session")
	return ""
}

func TestHandlerPreparedHandleScopedToSession(t *testing.T) {
	h, _ := handlerFixture(t, selectOneScript())

	result, err := h.CreatePreparedStatement(basicAuthContext("alice", "secret"), fakeStatementQuery{"SELECT 1"})
	if err != nil {
		t.Fatal(err)
	}
	handle := string(result.Handle)
	ownerToken := sessionToken(t, h)
	owner := tokenContext(ownerToken)

	if _, err := h.GetFlightInfoCatalogs(basicAuthContext("bob", "hunter2"), nil); err != nil {
		t.Fatal(err)
	}
	other := tokenContext(otherSessionToken(t, h, ownerToken))

	// Another session's handle looks like a miss, never a hint that it
	// exists.
	if _, err := h.GetFlightInfoPreparedStatement(other, fakePreparedQuery{handle}, nil); status.Code(err) != codes.NotFound {
		t.Errorf("foreign GetFlightInfo = %v, want NotFound", err)
	}
	if _, _, err := h.DoGetPreparedStatement(other, fakePreparedQuery{handle}); status.Code(err) != codes.NotFound {
		t.Errorf("foreign DoGet = %v, want NotFound", err)
	}
	if err := h.ClosePreparedStatement(other, fakeCloseRequest{handle}); status.Code(err) != codes.NotFound {
		t.Errorf("foreign close = %v, want NotFound", err)
	}

	// The owning session is unaffected by the foreign attempts.
	if _, err := h.GetFlightInfoPreparedStatement(owner, fakePreparedQuery{handle}, nil); err != nil {
		t.Errorf("owner GetFlightInfo = %v", err)
	}
	if err := h.ClosePreparedStatement(owner, fakeCloseRequest{handle}); err != nil {
		t.Errorf("owner close = %v", err)
	}
}

func TestHandlerPreparedUpdate(t *testing.T) {
	h, _ := handlerFixture(t, enginetest.Script{
		Updates: map[string]int64{"DELETE FROM t": 4},
	})
	ctx := basicAuthContext("alice", "secret")

	result, err := h.CreatePreparedStatement(ctx, fakeStatementQuery{"DELETE FROM t"})
	if err != nil {
		t.Fatal(err)
	}
	ctx = tokenContext(sessionToken(t, h))

	n, err := h.DoPutPreparedStatementUpdate(ctx, fakePreparedQuery{string(result.Handle)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("affected = %d, want 4", n)
	}
}

func TestHandlerPreparedUpdateRejectsParameters(t *testing.T) {
	paramSchema := arrow.NewSchema([]arrow.Field{{Name: "p0", Type: arrow.PrimitiveTypes.Int64}}, nil)
	h, _ := handlerFixture(t, enginetest.Script{
		Queries: map[string]*enginetest.QueryScript{
			"SELECT v FROM t WHERE v = ?": {Schema: int64Schema(), ParameterSchema: paramSchema},
		},
	})
	ctx := basicAuthContext("alice", "secret")

	result, err := h.CreatePreparedStatement(ctx, fakeStatementQuery{"SELECT v FROM t WHERE v = ?"})
	if err != nil {
		t.Fatal(err)
	}
	ctx = tokenContext(sessionToken(t, h))

	_, err = h.DoPutPreparedStatementUpdate(ctx, fakePreparedQuery{string(result.Handle)}, nil)
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("err = %v, want Unimplemented", err)
	}
}

func TestHandlerDoGetTablesFilters(t *testing.T) {
	h, _ := handlerFixture(t, enginetest.Script{
		Tables: []engine.Table{
			{Catalog: "main", Schema: "public", Name: "employees", Type: "BASE TABLE"},
			{Catalog: "main", Schema: "public", Name: "departments", Type: "BASE TABLE"},
			{Catalog: "main", Schema: "public", Name: "emp_view", Type: "VIEW"},
		},
	})
	ctx := basicAuthContext("alice", "secret")

	_, ch, err := h.DoGetTables(ctx, fakeGetTables{
		tablePattern: strPtr("emp%"),
		types:        []string{"BASE TABLE"},
	})
	if err != nil {
		t.Fatal(err)
	}
	chunk, ok := <-ch
	if !ok || chunk.Err != nil {
		t.Fatalf("chunk: ok=%v err=%v", ok, chunk.Err)
	}
	defer chunk.Data.Release()
	if chunk.Data.NumRows() != 1 {
		t.Errorf("rows = %d, want 1", chunk.Data.NumRows())
	}
	if got := stringColumn(t, chunk.Data, 2); got[0] != "employees" {
		t.Errorf("table = %q", got[0])
	}
}

func TestHandlerSqlInfoOmitsUnknownIds(t *testing.T) {
	h, _ := handlerFixture(t, selectOneScript())

	known := []uint32{
		uint32(flightsql.SqlInfoFlightSqlServerName),
		uint32(flightsql.SqlInfoFlightSqlServerVersion),
	}
	req := fakeSqlInfoRequest(append(append([]uint32(nil), known...), 0xFFFFFF))

	_, ch, err := h.DoGetSqlInfo(basicAuthContext("alice", "secret"), req)
	if err != nil {
		t.Fatal(err)
	}
	rows := drainRows(t, ch)
	if rows != int64(len(known)) {
		t.Errorf("rows = %d, want %d (unknown ids are omitted, not errors)", rows, len(known))
	}
}

func TestHandlerSqlInfoRequiresSession(t *testing.T) {
	h, _ := handlerFixture(t, selectOneScript())
	req := fakeSqlInfoRequest{uint32(flightsql.SqlInfoFlightSqlServerName)}

	if _, err := h.GetFlightInfoSqlInfo(context.Background(), req, nil); status.Code(err) != codes.Unauthenticated {
		t.Errorf("GetFlightInfoSqlInfo = %v, want Unauthenticated", err)
	}
	if _, _, err := h.DoGetSqlInfo(context.Background(), req); status.Code(err) != codes.Unauthenticated {
		t.Errorf("DoGetSqlInfo = %v, want Unauthenticated", err)
	}
}

func TestHandlerCloseDisposesSessionsAndStatements(t *testing.T) {
	eng := &enginetest.Engine{Script: selectOneScript()}
	h, err := NewHandler(eng, HandlerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}

	ctx := basicAuthContext("alice", "secret")
	if _, err := h.CreatePreparedStatement(ctx, fakeStatementQuery{"SELECT 1"}); err != nil {
		t.Fatal(err)
	}
	if h.registry.Len() != 1 {
		t.Fatalf("registry size = %d", h.registry.Len())
	}

	h.Close()

	if h.registry.Len() != 0 {
		t.Errorf("registry size = %d after close", h.registry.Len())
	}
	sessions := eng.Sessions()
	if len(sessions) != 1 || !sessions[0].Closed() {
		t.Error("engine session not closed at shutdown")
	}
}
