// metascanstatbench measures raw scanner engine throughput over a real
// directory tree, without any sink attached. Useful for sizing thread
// counts before a cluster scan.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/meta"
	"github.com/metascan/metascan/internal/scan"
	"github.com/metascan/metascan/internal/sink"
)

func main() {
	dir := flag.String("dir", ".", "Directory tree to scan")
	threads := flag.Int("threads", 16, "Scanner threads")
	fileChunk := flag.Int("file-chunk", 100, "Filenames per handler batch")
	withStat := flag.Bool("stat", true, "Run the metadata handler (false = listing only)")
	flag.Parse()

	log := logging.New(os.Stderr, logging.LevelWarn)
	opts := scan.DefaultOptions().
		WithThreads(*threads).
		WithFileChunk(*fileChunk)

	var handler scan.Handler
	if *withStat {
		fwd := sink.NewForwarder(sink.DefaultOptions(), sink.NullSink{}, log)
		fwd.Start()
		defer fwd.Shutdown(false)
		handler = meta.NewBasicHandler(meta.DefaultOptions(), fwd, log)
	}

	engine := scan.NewEngine(opts, handler, log)
	engine.Start()
	engine.AddScanPaths([]string{*dir})

	start := time.Now()
	for {
		time.Sleep(100 * time.Millisecond)
		if engine.DirQueueSize() == 0 && engine.FileQueueSize() == 0 && !engine.IsProcessing() {
			break
		}
	}
	elapsed := time.Since(start)
	engine.Terminate()
	st := engine.Stats()

	fmt.Printf("dir=%s threads=%d stat=%t\n", *dir, *threads, *withStat)
	fmt.Printf("dirs:  %s processed, %s skipped\n",
		humanize.Comma(st.DirsProcessed), humanize.Comma(st.DirsSkipped))
	fmt.Printf("files: %s processed, %s skipped, %s\n",
		humanize.Comma(st.FilesProcessed), humanize.Comma(st.FilesSkipped),
		humanize.Bytes(uint64(st.FileSizeTotal)))
	fmt.Printf("total: %v\n", elapsed)
	if elapsed.Seconds() > 0 {
		fmt.Printf("throughput: %.0f files/sec\n", float64(st.FilesProcessed)/elapsed.Seconds())
	}
}
