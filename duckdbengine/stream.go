package duckdbengine

import (
	"context"
	"database/sql"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/arrowgate/arrowgate/engine"
)

// rowStream adapts sql.Rows to the batch-oriented result stream
// contract. Each Next scans up to batchSize rows into one record batch.
type rowStream struct {
	rows      *sql.Rows
	schema    *arrow.Schema
	batchSize int
	alloc     memory.Allocator

	closeOnce sync.Once
	closeErr  error
	done      bool
}

func (rs *rowStream) Schema() *arrow.Schema {
	return rs.schema
}

func (rs *rowStream) Next(ctx context.Context) (arrow.RecordBatch, error) {
	if rs.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	builder := array.NewRecordBuilder(rs.alloc, rs.schema)
	defer builder.Release()

	numFields := rs.schema.NumFields()
	count := 0
	for count < rs.batchSize && rs.rows.Next() {
		values := make([]any, numFields)
		valuePtrs := make([]any, numFields)
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rs.rows.Scan(valuePtrs...); err != nil {
			rs.done = true
			return nil, engine.ExecErr(execErrCode, err)
		}
		for i, val := range values {
			appendValue(builder.Field(i), val)
		}
		count++
	}

	if count < rs.batchSize {
		rs.done = true
		if err := rs.rows.Err(); err != nil {
			return nil, engine.ExecErr(execErrCode, err)
		}
		if count == 0 {
			return nil, io.EOF
		}
	}
	return builder.NewRecordBatch(), nil
}

func (rs *rowStream) Close() error {
	rs.closeOnce.Do(func() {
		rs.done = true
		rs.closeErr = rs.rows.Close()
	})
	return rs.closeErr
}
