// Package scan implements the in-process scanner engine: a bounded pool
// of threads draining a directory queue and a file-batch queue, invoking
// a pluggable file handler, and publishing per-thread statistics.
package scan

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/stats"
)

// Thread states, published so IsProcessing can detect a fully idle pool.
const (
	stateIdle int32 = iota
	stateScanningDir
	stateHandlingFile
)

// Idle backoff bounds for threads that find both queues empty.
const (
	idleSleepMin = 5 * time.Millisecond
	idleSleepMax = 200 * time.Millisecond
)

// Result is what a file handler reports for one batch. Dirs carries any
// additional directories discovered by the handler (snapshot fan-out,
// stat-time discoveries) to be re-enqueued.
type Result struct {
	Processed int
	Skipped   int
	Dirs      []string
}

// Handler processes batches of names within one parent directory.
// InitThread is called once per scanner thread before the first batch.
type Handler interface {
	InitThread(id int)
	ProcessBatch(root string, names []string, ts *stats.ThreadStats) Result
}

// Engine owns the two queues and the thread pool.
type Engine struct {
	opts    *Options
	handler Handler
	log     *logging.Logger

	dirQ  dirQueue
	fileQ batchQueue

	threadStates []atomic.Int32
	threadStats  []*stats.ThreadStats
	priorityUsed atomic.Int64

	wg      sync.WaitGroup
	quit    chan struct{}
	started bool
}

// NewEngine creates an engine. The handler may be nil for directory-only
// scans; batches are then counted as processed without inspection.
func NewEngine(opts *Options, handler Handler, log *logging.Logger) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	e := &Engine{
		opts:         opts,
		handler:      handler,
		log:          log.WithComponent("scan"),
		threadStates: make([]atomic.Int32, opts.Threads),
		threadStats:  make([]*stats.ThreadStats, opts.Threads),
		quit:         make(chan struct{}),
	}
	for i := range e.threadStats {
		e.threadStats[i] = &stats.ThreadStats{}
	}
	return e
}

// Start launches the thread pool. Threads run until Terminate.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	for i := 0; i < e.opts.Threads; i++ {
		e.wg.Add(1)
		go e.runThread(i)
	}
}

// Terminate stops all threads. Each thread finishes its current item;
// queued work is discarded.
func (e *Engine) Terminate() {
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
	e.wg.Wait()
}

// AddScanPaths appends directories to the directory queue.
func (e *Engine) AddScanPaths(paths []string) {
	for len(paths) > 0 {
		n := e.opts.DirChunk
		if n <= 0 || n > len(paths) {
			n = len(paths)
		}
		e.dirQ.PushBack(paths[:n]...)
		paths = paths[n:]
	}
}

// TakeDirQueueItems removes up to max(count, ceil(pct*size)) directories
// from the tail of the directory queue for rebalancing.
func (e *Engine) TakeDirQueueItems(count int, pct float64) []string {
	return e.dirQ.TakeTail(count, pct)
}

// DirQueueSize returns the directory queue depth.
func (e *Engine) DirQueueSize() int {
	return e.dirQ.Size()
}

// FileQueueSize returns the file-batch queue depth.
func (e *Engine) FileQueueSize() int {
	return e.fileQ.Size()
}

// IsProcessing reports whether any thread is mid-item.
func (e *Engine) IsProcessing() bool {
	for i := range e.threadStates {
		if e.threadStates[i].Load() != stateIdle {
			return true
		}
	}
	return false
}

// Stats aggregates all thread counters plus the current queue gauges.
func (e *Engine) Stats() stats.Snapshot {
	snaps := make([]*stats.Snapshot, len(e.threadStats))
	for i, ts := range e.threadStats {
		s := ts.Snapshot()
		snaps[i] = &s
	}
	out := stats.Merge(snaps)
	out.Custom = stats.MergeCustom(snaps)
	out.DirQSize = int64(e.dirQ.Size())
	out.FileQSize = int64(e.fileQ.Size())
	out.Threads = int64(e.opts.Threads)
	return out
}

func (e *Engine) setState(id int, s int32) {
	e.threadStates[id].Store(s)
}

func (e *Engine) runThread(id int) {
	defer e.wg.Done()
	ts := e.threadStats[id]
	if e.handler != nil {
		e.handler.InitThread(id)
	}
	backoff := idleSleepMin
	// Hysteresis: once this thread backs off from listing because the
	// file backlog crossed FileQCutoff, it requires the backlog to drain
	// below FileQMinCutoff before preferring directories again.
	draining := false
	for {
		select {
		case <-e.quit:
			return
		default:
		}

		// Busy is set before the pop: an item in hand must never look
		// drained to IsProcessing.
		e.setState(id, stateScanningDir)
		if dir, priority, ok := e.nextDir(&draining); ok {
			e.scanDir(dir, ts)
			e.setState(id, stateIdle)
			if priority {
				e.priorityUsed.Add(-1)
			}
			backoff = idleSleepMin
			continue
		}

		if batch, ok := e.fileQ.PopFront(); ok {
			e.setState(id, stateHandlingFile)
			e.handleBatch(batch, ts)
			e.setState(id, stateIdle)
			backoff = idleSleepMin
			continue
		}
		e.setState(id, stateIdle)

		start := time.Now()
		select {
		case <-e.quit:
			return
		case <-time.After(backoff):
		}
		ts.QWaitNanos.Add(time.Since(start).Nanoseconds())
		backoff *= 2
		if backoff > idleSleepMax {
			backoff = idleSleepMax
		}
	}
}

// nextDir decides whether this thread should list a directory now. A
// directory is taken when the file backlog is inside the cutoff, or via
// the bounded priority prefix when files dominate. The returned priority
// flag tells the caller to release the prefix slot when done.
func (e *Engine) nextDir(draining *bool) (string, bool, bool) {
	if e.dirQ.Size() == 0 {
		return "", false, false
	}
	fq := e.fileQ.Size()
	cutoff := e.opts.FileQCutoff
	if *draining {
		cutoff = e.opts.FileQMinCutoff
	}
	if fq <= cutoff {
		*draining = false
		if dir, ok := e.dirQ.PopFront(); ok {
			return dir, false, true
		}
		return "", false, false
	}
	*draining = true
	// File backlog over the cutoff: only the priority prefix may list.
	if e.priorityUsed.Add(1) > int64(e.opts.DirPriorityCount) {
		e.priorityUsed.Add(-1)
		return "", false, false
	}
	if dir, ok := e.dirQ.PopFront(); ok {
		return dir, true, true
	}
	e.priorityUsed.Add(-1)
	return "", false, false
}

// scanDir lists one directory, splitting children into file batches and
// subdirectory paths.
func (e *Engine) scanDir(dir string, ts *stats.ThreadStats) {
	start := time.Now()
	defer func() {
		ts.DirScanNanos.Add(time.Since(start).Nanoseconds())
	}()

	entries, err := os.ReadDir(dir)
	if err != nil {
		ts.DirsSkipped.Add(1)
		e.log.Warnf("cannot list %s: %v", dir, err)
		return
	}
	ts.DirsProcessed.Add(1)

	var names []string
	var subdirs []string
	for _, de := range entries {
		if de.IsDir() {
			subdirs = append(subdirs, filepath.Join(dir, de.Name()))
			continue
		}
		names = append(names, de.Name())
		if len(names) >= e.opts.FileChunk {
			e.fileQ.PushBack(FileBatch{Root: dir, Names: names})
			ts.FilesQueued.Add(int64(len(names)))
			names = nil
		}
	}
	if len(names) > 0 {
		e.fileQ.PushBack(FileBatch{Root: dir, Names: names})
		ts.FilesQueued.Add(int64(len(names)))
	}
	if len(subdirs) > 0 {
		e.AddScanPaths(subdirs)
		ts.DirsQueued.Add(int64(len(subdirs)))
	}
}

// handleBatch invokes the file handler on one batch. Handler panics are
// contained: the batch is counted as skipped and the thread continues.
func (e *Engine) handleBatch(batch FileBatch, ts *stats.ThreadStats) {
	start := time.Now()
	defer func() {
		ts.FileHandlerNanos.Add(time.Since(start).Nanoseconds())
		if r := recover(); r != nil {
			ts.FilesSkipped.Add(int64(len(batch.Names)))
			e.log.Errorf("handler panic in %s: %v", batch.Root, r)
		}
	}()

	if e.handler == nil {
		ts.FilesProcessed.Add(int64(len(batch.Names)))
		return
	}
	res := e.handler.ProcessBatch(batch.Root, batch.Names, ts)
	ts.FilesProcessed.Add(int64(res.Processed))
	ts.FilesSkipped.Add(int64(res.Skipped))
	if len(res.Dirs) > 0 {
		e.AddScanPaths(res.Dirs)
		ts.DirsQueued.Add(int64(len(res.Dirs)))
	}
}
