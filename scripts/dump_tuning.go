//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-winograd/internal/tuning"
)

// TuningDump is one tuning table entry.
type TuningDump struct {
	Key string    `json:"key"`
	LWS [3]uint32 `json:"lws"`
}

func main() {
	path := flag.String("tuning-file", "tuning.cbor", "CBOR tuning table to dump")
	flag.Parse()

	tuner := tuning.New(tuning.Config{Path: *path})
	if err := tuner.Load(); err != nil {
		log.Fatalf("Failed to load tuning table: %v", err)
	}

	rec := tuner.Record(memory.NewGoAllocator())
	defer rec.Release()

	keys := rec.Column(0).(*array.String)
	dumps := make([]TuningDump, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		d := TuningDump{Key: keys.Value(i)}
		for j := range d.LWS {
			d.LWS[j] = rec.Column(j + 1).(*array.Uint32).Value(i)
		}
		dumps = append(dumps, d)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatalf("Failed to encode dump: %v", err)
	}
}
