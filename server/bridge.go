package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arrowgate/arrowgate/engine"
)

// One batch of slack between the engine and the gRPC writer; anything
// beyond that defeats stream backpressure.
const streamChunkBuffer = 1

// queryBridge carries statements across the two Flight SQL phases: it
// plans at GetFlightInfo time so bad SQL fails before any ticket is
// issued, and at DoGet time it relays engine batches onto the wire with
// backpressure from the gRPC stream.
type queryBridge struct {
	alloc    memory.Allocator
	registry *Registry
	logger   *slog.Logger
}

func newQueryBridge(alloc memory.Allocator, registry *Registry, logger *slog.Logger) *queryBridge {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &queryBridge{alloc: alloc, registry: registry, logger: logger}
}

// flightInfo assembles the single-endpoint FlightInfo every query and
// metadata command answers with. Record and byte totals are unknown
// until execution, so both report -1.
func (b *queryBridge) flightInfo(schema *arrow.Schema, desc *flight.FlightDescriptor, ticket []byte) *flight.FlightInfo {
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(schema, b.alloc),
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: ticket},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
	}
}

// planStatement plans an ad-hoc query and issues a ticket carrying the
// statement text itself, so execution needs no server-side state.
func (b *queryBridge) planStatement(ctx context.Context, sess *clientSession, query string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	plan, err := sess.Plan(ctx, query)
	if err != nil {
		return nil, err
	}
	ticket, err := encodeTicket(StatementQuery{Query: query})
	if err != nil {
		return nil, err
	}
	return b.flightInfo(plan.ResultSchema, desc, ticket), nil
}

// planPrepared issues a ticket referencing a registered statement. The
// schema was fixed at prepare time; no replanning happens here.
func (b *queryBridge) planPrepared(sess *clientSession, handle string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	entry, err := b.registry.Lookup(handle, sess.token)
	if err != nil {
		return nil, err
	}
	ticket, err := encodeTicket(PreparedStatementQuery{Handle: handle})
	if err != nil {
		return nil, err
	}
	return b.flightInfo(entry.ResultSchema, desc, ticket), nil
}

// resolveTicket maps a redeemed ticket back to executable SQL. Prepared
// handles resolve only for the session that created them.
func (b *queryBridge) resolveTicket(sess *clientSession, cmd Command) (sql, kind string, err error) {
	switch c := cmd.(type) {
	case StatementQuery:
		return c.Query, "query", nil
	case PreparedStatementQuery:
		entry, err := b.registry.Lookup(c.Handle, sess.token)
		if err != nil {
			return "", "", err
		}
		return entry.Query, "prepared_query", nil
	default:
		return "", "", &DecodeError{TypeURL: fmt.Sprintf("%T", cmd), Err: errors.New("command is not executable as a ticket")}
	}
}

// execute redeems a ticket: it opens the engine stream and hands batches
// to a relay goroutine. The returned channel closes when the stream is
// drained, fails, or the client goes away.
func (b *queryBridge) execute(ctx context.Context, sess *clientSession, cmd Command) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	query, kind, err := b.resolveTicket(sess, cmd)
	if err != nil {
		return nil, nil, err
	}

	stream, err := sess.query(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	queriesTotal.WithLabelValues(kind).Inc()

	declared := stream.Schema()
	ch := make(chan flight.StreamChunk, streamChunkBuffer)
	sess.beginStream()
	go b.relay(ctx, sess, stream, declared, ch)
	return declared, ch, nil
}

// relay pumps engine batches into ch until the stream ends or the client
// context is cancelled. Every batch must carry the schema declared to the
// client; a mismatch is an engine contract violation and ends the stream
// with an internal error instead of passing the batch through. Closing
// the engine stream on every exit path is what releases engine-side
// cursors when a client abandons a DoGet.
func (b *queryBridge) relay(ctx context.Context, sess *clientSession, stream engine.ResultStream, declared *arrow.Schema, ch chan<- flight.StreamChunk) {
	defer close(ch)
	defer sess.endStream()
	defer func() {
		if err := stream.Close(); err != nil {
			b.logger.Warn("closing result stream", "error", err)
		}
	}()

	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			sendStreamChunk(ctx, ch, flight.StreamChunk{Err: mapError(err)})
			return
		}
		if !rec.Schema().Equal(declared) {
			b.logger.Error("engine batch schema diverges from declared result schema",
				"declared", declared.String(), "got", rec.Schema().String())
			rec.Release()
			sendStreamChunk(ctx, ch, flight.StreamChunk{
				Err: status.Error(codes.Internal, "result batch schema does not match the declared result schema"),
			})
			return
		}
		if !sendStreamChunk(ctx, ch, flight.StreamChunk{Data: rec}) {
			rec.Release()
			return
		}
		streamedBatchesTotal.Inc()
	}
}

// sendStreamChunk delivers chunk unless the client context ends first.
func sendStreamChunk(ctx context.Context, ch chan<- flight.StreamChunk, chunk flight.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// executeUpdate runs a statement for its side effects and reports the
// affected row count.
func (b *queryBridge) executeUpdate(ctx context.Context, sess *clientSession, query, kind string) (int64, error) {
	n, err := sess.update(ctx, query)
	if err != nil {
		return 0, err
	}
	queriesTotal.WithLabelValues(kind).Inc()
	return n, nil
}
