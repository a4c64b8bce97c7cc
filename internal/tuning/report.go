package tuning

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ReportSchema is the Arrow schema of the tuning report: one row per key.
var ReportSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "lws0", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "lws1", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "lws2", Type: arrow.PrimitiveTypes.Uint32},
	},
	nil,
)

// Record builds the tuning table as a single Arrow record sorted by key.
// The caller must Release it.
func (t *Tuner) Record(mem memory.Allocator) arrow.RecordBatch {
	keys := array.NewStringBuilder(mem)
	defer keys.Release()
	lws := [3]*array.Uint32Builder{
		array.NewUint32Builder(mem),
		array.NewUint32Builder(mem),
		array.NewUint32Builder(mem),
	}
	for _, b := range lws {
		defer b.Release()
	}

	snap := t.params.Snapshot()
	rows := 0
	for _, key := range t.params.Keys() {
		p, ok := snap[key]
		if !ok || len(p) != 3 {
			continue
		}
		keys.Append(key)
		for i := range lws {
			lws[i].Append(p[i])
		}
		rows++
	}

	cols := []arrow.Array{keys.NewArray(), lws[0].NewArray(), lws[1].NewArray(), lws[2].NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(ReportSchema, cols, int64(rows))
}

// WriteReport streams the tuning table to w in Arrow IPC stream format.
func (t *Tuner) WriteReport(w io.Writer) error {
	mem := memory.NewGoAllocator()
	rec := t.Record(mem)
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(ReportSchema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write tuning report: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("write tuning report: %w", err)
	}
	return nil
}
