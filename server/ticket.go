package server

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
)

// Tickets wrap the command that produced them so a DoGet call can resume
// execution without the original descriptor. The encoded command rides
// inside a statement-query ticket envelope, which is how the transport
// routes redemption back to the statement path.
//
// Tickets are single-consumption within a single process: redeeming a
// ticket for a disposed prepared statement fails with NotFound, and no
// ticket survives a restart. Metadata commands use the raw descriptor
// bytes as their ticket instead (redemption just re-runs the cheap
// catalog computation), so they never pass through here.

// encodeTicket mints the opaque ticket bytes for cmd. Only the two
// resumable variants are valid ticket payloads.
func encodeTicket(cmd Command) ([]byte, error) {
	switch cmd.(type) {
	case StatementQuery, PreparedStatementQuery:
	default:
		return nil, fmt.Errorf("command %T cannot be carried in a ticket", cmd)
	}
	payload, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	ticket, err := flightsql.CreateStatementQueryTicket(payload)
	if err != nil {
		return nil, fmt.Errorf("create statement ticket: %w", err)
	}
	return ticket, nil
}

// decodeTicket recovers the command from a redeemed ticket payload (the
// statement handle the transport already unwrapped from the envelope).
func decodeTicket(payload []byte) (Command, error) {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		return nil, err
	}
	switch cmd.(type) {
	case StatementQuery, PreparedStatementQuery:
		return cmd, nil
	default:
		return nil, &DecodeError{Err: fmt.Errorf("ticket does not carry a resumable command (%T)", cmd)}
	}
}
