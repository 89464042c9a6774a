package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql/schema_ref"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/arrowgate/arrowgate/engine"
)

const (
	serverName    = "arrowgate"
	serverVersion = "0.1.0"
)

// HandlerOptions tune the Flight SQL handler. The zero value is usable.
type HandlerOptions struct {
	Alloc           memory.Allocator
	Logger          *slog.Logger
	HandleAllocator HandleAllocator
	SessionIdleTTL  time.Duration
	SessionReapTick time.Duration
	AuthThrottle    AuthThrottleConfig
}

// Handler implements the Flight SQL service against a pluggable query
// engine. It owns the prepared-statement registry and the client session
// store; everything SQL is delegated to the engine.
type Handler struct {
	flightsql.BaseServer

	logger    *slog.Logger
	alloc     memory.Allocator
	sessions  *sessionStore
	registry  *Registry
	responder *metadataResponder
	bridge    *queryBridge
	throttle  *authThrottle
}

func NewHandler(eng engine.Engine, opts HandlerOptions) (*Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alloc := opts.Alloc
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}

	registry := NewRegistry(opts.HandleAllocator)
	h := &Handler{
		BaseServer: flightsql.BaseServer{Alloc: alloc},
		logger:     logger,
		alloc:      alloc,
		sessions:   newSessionStore(eng, registry, logger, opts.SessionIdleTTL, opts.SessionReapTick),
		registry:   registry,
		responder:  newMetadataResponder(alloc),
		bridge:     newQueryBridge(alloc, registry, logger),
		throttle:   newAuthThrottle(opts.AuthThrottle),
	}

	for _, reg := range []struct {
		info  flightsql.SqlInfo
		value any
	}{
		{flightsql.SqlInfoFlightSqlServerName, serverName},
		{flightsql.SqlInfoFlightSqlServerVersion, serverVersion},
		{flightsql.SqlInfoFlightSqlServerReadOnly, false},
		{flightsql.SqlInfoTransactionsSupported, false},
	} {
		if err := h.RegisterSqlInfo(reg.info, reg.value); err != nil {
			return nil, fmt.Errorf("register sql info %d: %w", reg.info, err)
		}
	}
	return h, nil
}

// Close tears down every live session and its prepared statements.
func (h *Handler) Close() {
	h.sessions.Close()
}

// sessionFromContext resolves the calling session. A request carrying a
// known session token reuses that session; otherwise the authorization
// header bootstraps a new one against the engine and the fresh token is
// returned in response metadata.
func (h *Handler) sessionFromContext(ctx context.Context) (*clientSession, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	if token := incomingSessionToken(md); token != "" {
		sess, ok := h.sessions.get(token)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "session not found")
		}
		setSessionTokenMetadata(ctx, token)
		return sess, nil
	}

	addr := peerAddr(ctx)
	if h.throttle.lockedOut(addr) {
		return nil, status.Error(codes.ResourceExhausted, "too many failed authentication attempts")
	}

	creds, err := credentialsFromMetadata(md)
	if err != nil {
		h.throttle.recordFailure(addr)
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	sess, err := h.sessions.create(ctx, creds)
	if err != nil {
		if h.throttle.recordFailure(addr) {
			h.logger.Warn("client locked out after repeated auth failures", "addr", addr)
		}
		return nil, status.Errorf(codes.Unauthenticated, "open session: %v", err)
	}
	h.throttle.recordSuccess(addr)
	setSessionTokenMetadata(ctx, sess.token)
	return sess, nil
}

func peerAddr(ctx context.Context) net.Addr {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr
	}
	return nil
}

// credentialsFromMetadata extracts client credentials from the
// authorization header. Basic credentials are decoded; bearer tokens are
// passed through opaquely for the engine to judge.
func credentialsFromMetadata(md metadata.MD) (engine.Credentials, error) {
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return engine.Credentials{}, fmt.Errorf("missing authorization header")
	}
	header := strings.TrimSpace(authHeaders[0])
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return engine.Credentials{}, fmt.Errorf("malformed authorization header")
	}
	switch {
	case strings.EqualFold(parts[0], "Basic"):
		username, password, err := parseBasicCredentials(header)
		if err != nil {
			return engine.Credentials{}, err
		}
		return engine.Credentials{Username: username, Password: password}, nil
	case strings.EqualFold(parts[0], "Bearer"):
		return engine.Credentials{Token: parts[1]}, nil
	default:
		return engine.Credentials{}, fmt.Errorf("unsupported authorization scheme %q", parts[0])
	}
}

func parseBasicCredentials(authHeader string) (username, password string, err error) {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
		return "", "", fmt.Errorf("expected Basic authorization")
	}

	decoded, decodeErr := base64.StdEncoding.DecodeString(parts[1])
	if decodeErr != nil {
		decoded, decodeErr = base64.RawStdEncoding.DecodeString(parts[1])
		if decodeErr != nil {
			return "", "", fmt.Errorf("invalid basic auth encoding")
		}
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("invalid basic auth payload")
	}
	return username, password, nil
}

func incomingSessionToken(md metadata.MD) string {
	values := md.Get(SessionHeaderKey)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func setSessionTokenMetadata(ctx context.Context, sessionToken string) {
	if sessionToken == "" {
		return
	}
	md := metadata.Pairs(SessionHeaderKey, sessionToken)
	_ = grpc.SetHeader(ctx, md)
	_ = grpc.SetTrailer(ctx, md)
}

// --- ad-hoc and prepared statements ---

func (h *Handler) GetFlightInfoStatement(ctx context.Context, cmd flightsql.StatementQuery,
	desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, err
	}
	info, err := h.bridge.planStatement(ctx, sess, cmd.GetQuery(), desc)
	if err != nil {
		return nil, mapError(err)
	}
	return info, nil
}

func (h *Handler) DoGetStatement(ctx context.Context, ticket flightsql.StatementQueryTicket) (*arrow.Schema,
	<-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	cmd, err := decodeTicket(ticket.GetStatementHandle())
	if err != nil {
		return nil, nil, mapError(err)
	}
	schema, ch, err := h.bridge.execute(ctx, sess, cmd)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}

func (h *Handler) DoPutCommandStatementUpdate(ctx context.Context, cmd flightsql.StatementUpdate) (int64, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return 0, err
	}
	n, err := h.bridge.executeUpdate(ctx, sess, cmd.GetQuery(), "update")
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (h *Handler) CreatePreparedStatement(ctx context.Context,
	req flightsql.ActionCreatePreparedStatementRequest) (flightsql.ActionCreatePreparedStatementResult, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return flightsql.ActionCreatePreparedStatementResult{}, err
	}
	entry, err := h.registry.Create(ctx, sess.token, sess, req.GetQuery())
	if err != nil {
		return flightsql.ActionCreatePreparedStatementResult{}, mapError(err)
	}
	return flightsql.ActionCreatePreparedStatementResult{
		Handle:          []byte(entry.Handle),
		DatasetSchema:   entry.ResultSchema,
		ParameterSchema: entry.ParameterSchema,
	}, nil
}

func (h *Handler) ClosePreparedStatement(ctx context.Context,
	req flightsql.ActionClosePreparedStatementRequest) error {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return err
	}
	if err := h.registry.Dispose(string(req.GetPreparedStatementHandle()), sess.token); err != nil {
		return mapError(err)
	}
	return nil
}

func (h *Handler) GetFlightInfoPreparedStatement(ctx context.Context, cmd flightsql.PreparedStatementQuery,
	desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, err
	}
	info, err := h.bridge.planPrepared(sess, string(cmd.GetPreparedStatementHandle()), desc)
	if err != nil {
		return nil, mapError(err)
	}
	return info, nil
}

func (h *Handler) DoGetPreparedStatement(ctx context.Context,
	cmd flightsql.PreparedStatementQuery) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, ch, err := h.bridge.execute(ctx, sess, PreparedStatementQuery{Handle: string(cmd.GetPreparedStatementHandle())})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}

func (h *Handler) DoPutPreparedStatementUpdate(ctx context.Context, cmd flightsql.PreparedStatementUpdate,
	reader flight.MessageReader) (int64, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return 0, err
	}
	entry, err := h.registry.Lookup(string(cmd.GetPreparedStatementHandle()), sess.token)
	if err != nil {
		return 0, mapError(err)
	}
	if entry.ParameterSchema != nil && entry.ParameterSchema.NumFields() > 0 {
		return 0, status.Error(codes.Unimplemented, "parameter binding is not supported")
	}
	_ = reader

	n, err := h.bridge.executeUpdate(ctx, sess, entry.Query, "prepared_update")
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// --- catalog browsing ---

// SqlInfo answers are static, served by the embedded BaseServer, but the
// auth surface stays uniform with the other metadata verbs.
func (h *Handler) GetFlightInfoSqlInfo(ctx context.Context, cmd flightsql.GetSqlInfo,
	desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, err
	}
	return h.BaseServer.GetFlightInfoSqlInfo(ctx, cmd, desc)
}

func (h *Handler) DoGetSqlInfo(ctx context.Context, cmd flightsql.GetSqlInfo) (*arrow.Schema,
	<-chan flight.StreamChunk, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, nil, err
	}
	return h.BaseServer.DoGetSqlInfo(ctx, cmd)
}

// metadataInfo answers GetFlightInfo for browsing commands: the ticket is
// the descriptor command itself, echoed back at DoGet.
func (h *Handler) metadataInfo(schema *arrow.Schema, desc *flight.FlightDescriptor) *flight.FlightInfo {
	return h.bridge.flightInfo(schema, desc, desc.Cmd)
}

func (h *Handler) GetFlightInfoCatalogs(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, err
	}
	return h.metadataInfo(schema_ref.Catalogs, desc), nil
}

func (h *Handler) DoGetCatalogs(ctx context.Context) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, ch, err := h.responder.catalogs(ctx, sess)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}

func (h *Handler) GetFlightInfoSchemas(ctx context.Context, cmd flightsql.GetDBSchemas,
	desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, err
	}
	return h.metadataInfo(schema_ref.DBSchemas, desc), nil
}

func (h *Handler) DoGetDBSchemas(ctx context.Context, cmd flightsql.GetDBSchemas) (*arrow.Schema,
	<-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, ch, err := h.responder.dbSchemas(ctx, sess, GetDBSchemas{
		Catalog:       cmd.GetCatalog(),
		SchemaPattern: cmd.GetDBSchemaFilterPattern(),
	})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}

func (h *Handler) GetFlightInfoTables(ctx context.Context, cmd flightsql.GetTables,
	desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, err
	}
	return h.metadataInfo(tablesSchema(cmd.GetIncludeSchema()), desc), nil
}

func (h *Handler) DoGetTables(ctx context.Context, cmd flightsql.GetTables) (*arrow.Schema,
	<-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, ch, err := h.responder.tables(ctx, sess, GetTables{
		Catalog:       cmd.GetCatalog(),
		SchemaPattern: cmd.GetDBSchemaFilterPattern(),
		TablePattern:  cmd.GetTableNameFilterPattern(),
		TableTypes:    cmd.GetTableTypes(),
		IncludeSchema: cmd.GetIncludeSchema(),
	})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}

func (h *Handler) GetFlightInfoTableTypes(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, err
	}
	return h.metadataInfo(schema_ref.TableTypes, desc), nil
}

func (h *Handler) DoGetTableTypes(ctx context.Context) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, ch, err := h.responder.tableTypes(ctx, sess)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}

func (h *Handler) GetFlightInfoPrimaryKeys(ctx context.Context, ref flightsql.TableRef,
	desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, err
	}
	return h.metadataInfo(schema_ref.PrimaryKeys, desc), nil
}

func (h *Handler) DoGetPrimaryKeys(ctx context.Context, ref flightsql.TableRef) (*arrow.Schema,
	<-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, ch, err := h.responder.primaryKeys(ctx, sess, GetPrimaryKeys{
		Catalog: ref.Catalog,
		Schema:  ref.DBSchema,
		Table:   ref.Table,
	})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}

func (h *Handler) GetFlightInfoCrossReference(ctx context.Context, ref flightsql.CrossTableRef,
	desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if _, err := h.sessionFromContext(ctx); err != nil {
		return nil, err
	}
	return h.metadataInfo(schema_ref.CrossReference, desc), nil
}

func (h *Handler) DoGetCrossReference(ctx context.Context, ref flightsql.CrossTableRef) (*arrow.Schema,
	<-chan flight.StreamChunk, error) {
	sess, err := h.sessionFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, ch, err := h.responder.crossReference(ctx, sess, GetCrossReference{
		PKCatalog: ref.PKRef.Catalog,
		PKSchema:  ref.PKRef.DBSchema,
		PKTable:   ref.PKRef.Table,
		FKCatalog: ref.FKRef.Catalog,
		FKSchema:  ref.FKRef.DBSchema,
		FKTable:   ref.FKRef.Table,
	})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return schema, ch, nil
}
