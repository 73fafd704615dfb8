package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/meta"
)

func testLogger() *logging.Logger {
	return logging.New(os.Stderr, logging.LevelError)
}

// fakeSink records deliveries and can fail the first failN calls.
type fakeSink struct {
	mu      sync.Mutex
	files   int
	dirs    int
	calls   int
	failN   int
	flushed int
	closed  bool
}

func (f *fakeSink) Send(ctx context.Context, recs []meta.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("transient failure")
	}
	f.files += len(recs)
	return nil
}

func (f *fakeSink) SendDirs(ctx context.Context, recs []meta.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs += len(recs)
	return nil
}

func (f *fakeSink) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) counts() (files, dirs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files, f.dirs
}

func fastOptions() *Options {
	o := DefaultOptions()
	o.Threads = 2
	o.RetryBase = time.Millisecond
	o.RetryCap = 5 * time.Millisecond
	o.FlushDeadline = 5 * time.Second
	return o
}

func recs(n int) []meta.Record {
	out := make([]meta.Record, n)
	for i := range out {
		out[i] = meta.Record{"file_name": fmt.Sprintf("f%d", i)}
	}
	return out
}

func TestForwarderDeliversAndStampsScanID(t *testing.T) {
	fs := &fakeSink{}
	f := NewForwarder(fastOptions(), fs, testLogger())
	f.Start()

	batch := recs(10)
	f.EmitFiles(batch)
	f.EmitDirs(recs(3))
	f.Shutdown(true)

	files, dirs := fs.counts()
	if files != 10 || dirs != 3 {
		t.Fatalf("delivered files=%d dirs=%d, want 10/3", files, dirs)
	}
	if !fs.closed || fs.flushed == 0 {
		t.Fatalf("sink not flushed/closed on shutdown: flushed=%d closed=%v", fs.flushed, fs.closed)
	}
	for _, rec := range batch {
		if rec["scan_id"] != f.ScanID() {
			t.Fatalf("record missing scan_id: %v", rec)
		}
	}
}

func TestForwarderRetriesTransientFailure(t *testing.T) {
	fs := &fakeSink{failN: 3}
	f := NewForwarder(fastOptions(), fs, testLogger())
	f.Start()

	f.EmitFiles(recs(5))
	f.Shutdown(true)

	files, _ := fs.counts()
	if files != 5 {
		t.Fatalf("delivered %d records, want 5 after retries", files)
	}
	if f.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", f.Dropped())
	}
}

func TestForwarderDropsAfterRetryBudget(t *testing.T) {
	fs := &fakeSink{failN: 1 << 30}
	opts := fastOptions()
	opts.RetryLimit = 2
	f := NewForwarder(opts, fs, testLogger())
	f.Start()

	f.EmitFiles(recs(7))
	f.Shutdown(true)

	if f.Dropped() != 7 {
		t.Fatalf("dropped = %d, want 7", f.Dropped())
	}
	files, _ := fs.counts()
	if files != 0 {
		t.Fatalf("delivered %d records, want 0", files)
	}
}

func TestForwarderBackpressure(t *testing.T) {
	fs := &fakeSink{}
	opts := fastOptions()
	opts.MaxSendQSize = 1
	opts.SendQSleep = time.Millisecond
	opts.MaxQWaitLoops = 5
	f := NewForwarder(opts, fs, testLogger())
	// Not started: the queue only grows, so producers must observe waits.

	f.EmitFiles(recs(1))
	f.EmitFiles(recs(1))
	waits, waited := f.EmitFiles(recs(1))
	if waits == 0 {
		t.Fatal("expected backpressure waits with a saturated queue")
	}
	if waits > opts.MaxQWaitLoops {
		t.Fatalf("waits = %d, exceeds loop bound %d", waits, opts.MaxQWaitLoops)
	}
	if waited <= 0 {
		t.Fatalf("waited = %v, want > 0", waited)
	}
	// The batch is accepted regardless.
	if f.QueueLen() != 3 {
		t.Fatalf("queue len = %d, want 3", f.QueueLen())
	}

	f.Start()
	f.Shutdown(true)
	files, _ := fs.counts()
	if files != 3 {
		t.Fatalf("delivered %d records, want 3", files)
	}
}

func TestForwarderShutdownWithoutFlushDropsQueue(t *testing.T) {
	fs := &fakeSink{}
	opts := fastOptions()
	opts.Threads = 1
	f := NewForwarder(opts, fs, testLogger())

	// Enqueue before starting so nothing is delivered yet.
	f.EmitFiles(recs(4))
	f.Start()
	f.Shutdown(false)
	// Without flush the sender may exit before draining; whatever was
	// delivered must still have gone through Send intact.
	files, _ := fs.counts()
	if files != 0 && files != 4 {
		t.Fatalf("delivered %d records, want 0 or 4", files)
	}
	if !fs.closed {
		t.Fatal("sink not closed")
	}
}
