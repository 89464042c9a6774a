package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arrowgate/arrowgate/engine"
)

// ErrNotFound marks statement-handle and session-token misses. Always
// wrapped with context identifying what was missing.
var ErrNotFound = errors.New("not found")

// DecodeError reports malformed or unsupported command/ticket bytes.
// TypeURL is set when the envelope carried a recognizable but
// unsupported type tag.
type DecodeError struct {
	TypeURL string
	Err     error
}

func (e *DecodeError) Error() string {
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// mapError canonicalizes any failure from the codec, registry or engine
// into the transport's status-code-plus-message contract. The engine's
// message is preserved verbatim; a SQLSTATE code, when present, rides
// along as structured detail rather than being folded into the message.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		// Already a transport status; pass through untouched.
		return err
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return status.Error(codes.InvalidArgument, decodeErr.Error())
	}
	if errors.Is(err, ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if engErr, ok := engine.AsError(err); ok {
		code := codes.Internal
		if engErr.Kind == engine.KindPlan {
			code = codes.InvalidArgument
		}
		st := status.New(code, engErr.Message)
		if engErr.Code != "" {
			detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
				Reason:   engErr.Code,
				Domain:   "sql",
				Metadata: map[string]string{"sqlstate": engErr.Code},
			})
			if derr == nil {
				st = detailed
			}
		}
		return st.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// notFoundf builds a NotFound-classified error.
func notFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}
