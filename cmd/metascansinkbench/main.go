// metascansinkbench measures SQLite sink ingest throughput with
// synthetic records, to size batch and thread parameters for the
// sqlite sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/metascan/metascan/internal/meta"
	"github.com/metascan/metascan/internal/sink"
)

func main() {
	outDir := flag.String("out", ".", "Output directory for temp DB")
	rows := flag.Int("rows", 100000, "Records to insert")
	batch := flag.Int("batch", 100, "Records per delivered batch")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir error: %v\n", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(*outDir, fmt.Sprintf(".metascansinkbench-%d.db", time.Now().UnixNano()))
	s, err := sink.NewSQLiteSink(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open sink error: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(dbPath)

	ctx := context.Background()
	start := time.Now()
	inserted := 0
	for inserted < *rows {
		n := *batch
		if inserted+n > *rows {
			n = *rows - inserted
		}
		recs := make([]meta.Record, n)
		for i := range recs {
			recs[i] = meta.Record{
				"scan_id":       "bench",
				"file_path":     "/bench",
				"file_name":     fmt.Sprintf("file-%d", inserted+i),
				"file_type":     "file",
				"size":          int64(1234),
				"size_logical":  int64(4096),
				"size_physical": int64(4096),
			}
		}
		if err := s.Send(ctx, recs); err != nil {
			fmt.Fprintf(os.Stderr, "insert error: %v\n", err)
			os.Exit(1)
		}
		inserted += n
	}
	elapsed := time.Since(start)
	if err := s.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("out=%s rows=%d batch=%d\n", *outDir, *rows, *batch)
	fmt.Printf("total: %v\n", elapsed)
	if elapsed.Seconds() > 0 {
		fmt.Printf("throughput: %.0f rows/sec\n", float64(*rows)/elapsed.Seconds())
	}
}
