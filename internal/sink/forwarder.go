package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/meta"
)

// Op distinguishes file and directory batches on the data queue.
type Op int

const (
	OpSend Op = iota
	OpSendDir
)

// Command is one queued batch.
type Command struct {
	Op      Op
	Records []meta.Record
}

type ctrlOp int

const (
	ctrlExit ctrlOp = iota
	ctrlFlush
)

type ctrl struct {
	op    ctrlOp
	flush bool
}

// Options configures the forwarder pool.
type Options struct {
	// Threads is the number of sender goroutines.
	Threads int

	// MaxSendQSize is the queue depth at which producers start sleeping.
	MaxSendQSize int

	// SendQSleep is how long a producer sleeps per backpressure check.
	SendQSleep time.Duration

	// MaxQWaitLoops bounds the backpressure checks; after that the
	// producer enqueues regardless and the sink catches up.
	MaxQWaitLoops int

	// RetryBase, RetryCap and RetryLimit control delivery retries.
	RetryBase  time.Duration
	RetryCap   time.Duration
	RetryLimit int

	// FlushDeadline bounds how long Shutdown waits for senders to drain.
	FlushDeadline time.Duration
}

// DefaultOptions returns the forwarder defaults.
func DefaultOptions() *Options {
	return &Options{
		Threads:       4,
		MaxSendQSize:  100000,
		SendQSleep:    100 * time.Millisecond,
		MaxQWaitLoops: 20,
		RetryBase:     time.Second,
		RetryCap:      30 * time.Second,
		RetryLimit:    5,
		FlushDeadline: 120 * time.Second,
	}
}

// cmdQueue is the unbounded data queue. Backpressure is advisory: the
// producers sleep while the queue is over MaxSendQSize but are never
// refused, so scanner threads cannot deadlock against the sink.
type cmdQueue struct {
	mu     sync.Mutex
	items  []Command
	notify chan struct{}
}

func newCmdQueue() *cmdQueue {
	return &cmdQueue{notify: make(chan struct{}, 1)}
}

func (q *cmdQueue) Put(c Command) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *cmdQueue) TryGet() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Command{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *cmdQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Forwarder drains the data queue into the sink. It implements
// meta.Emitter for the scanner's file handlers.
type Forwarder struct {
	opts *Options
	sink Sink
	log  *logging.Logger

	scanID string
	dataQ  *cmdQueue
	ctrlQ  chan ctrl

	g       *errgroup.Group
	active  atomic.Int64
	dropped atomic.Int64
	sent    atomic.Int64
	started bool
}

// NewForwarder creates a forwarder over the given sink.
func NewForwarder(opts *Options, s Sink, log *logging.Logger) *Forwarder {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &Forwarder{
		opts:   opts,
		sink:   s,
		log:    log.WithComponent("sink"),
		scanID: uuid.NewString(),
		dataQ:  newCmdQueue(),
		ctrlQ:  make(chan ctrl, opts.Threads*2),
	}
}

// ScanID identifies this scan run; it is stamped on every record.
func (f *Forwarder) ScanID() string {
	return f.scanID
}

// QueueLen returns the current data queue depth.
func (f *Forwarder) QueueLen() int {
	return f.dataQ.Len()
}

// Dropped returns the number of records abandoned after exhausting the
// retry budget.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Sent returns the number of records delivered at least once.
func (f *Forwarder) Sent() int64 {
	return f.sent.Load()
}

// Start launches the sender pool.
func (f *Forwarder) Start() {
	if f.started {
		return
	}
	f.started = true
	f.g = &errgroup.Group{}
	for i := 0; i < f.opts.Threads; i++ {
		f.active.Add(1)
		f.g.Go(func() error {
			defer f.active.Add(-1)
			f.runSender()
			return nil
		})
	}
}

// EmitFiles implements meta.Emitter.
func (f *Forwarder) EmitFiles(recs []meta.Record) (int, time.Duration) {
	return f.enqueue(Command{Op: OpSend, Records: recs})
}

// EmitDirs implements meta.Emitter.
func (f *Forwarder) EmitDirs(recs []meta.Record) (int, time.Duration) {
	return f.enqueue(Command{Op: OpSendDir, Records: recs})
}

// enqueue applies producer backpressure and queues the batch. The batch
// is always accepted eventually.
func (f *Forwarder) enqueue(c Command) (int, time.Duration) {
	for _, rec := range c.Records {
		rec["scan_id"] = f.scanID
	}
	waits := 0
	start := time.Now()
	for i := 0; i < f.opts.MaxQWaitLoops; i++ {
		if f.dataQ.Len() <= f.opts.MaxSendQSize {
			break
		}
		waits++
		time.Sleep(f.opts.SendQSleep)
	}
	f.dataQ.Put(c)
	if waits == 0 {
		return 0, 0
	}
	return waits, time.Since(start)
}

// Flush asks one sender to flush the sink.
func (f *Forwarder) Flush() {
	f.ctrlQ <- ctrl{op: ctrlFlush}
}

// Shutdown stops the pool. With flush set, each sender drains the data
// queue before exiting; the wait is bounded by FlushDeadline and any
// stragglers are abandoned with a warning since their batches may be
// lost.
func (f *Forwarder) Shutdown(flush bool) {
	if !f.started {
		return
	}
	for i := 0; i < f.opts.Threads; i++ {
		f.ctrlQ <- ctrl{op: ctrlExit, flush: flush}
	}
	done := make(chan struct{})
	go func() {
		f.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.log.Debugf("all %d sender threads stopped", f.opts.Threads)
	case <-time.After(f.opts.FlushDeadline):
		f.log.Warnf("%d sender threads still busy after %s; possible data loss",
			f.active.Load(), f.opts.FlushDeadline)
	}
	if err := f.sink.Flush(context.Background()); err != nil {
		f.log.Warnf("sink flush: %v", err)
	}
	if err := f.sink.Close(); err != nil {
		f.log.Warnf("sink close: %v", err)
	}
}

func (f *Forwarder) runSender() {
	for {
		select {
		case c := <-f.ctrlQ:
			switch c.op {
			case ctrlFlush:
				if err := f.sink.Flush(context.Background()); err != nil {
					f.log.Warnf("sink flush: %v", err)
				}
			case ctrlExit:
				if c.flush {
					for {
						cmd, ok := f.dataQ.TryGet()
						if !ok {
							return
						}
						f.deliver(cmd)
					}
				}
				return
			}
		default:
		}

		cmd, ok := f.dataQ.TryGet()
		if !ok {
			select {
			case <-f.dataQ.notify:
			case c := <-f.ctrlQ:
				// Re-queue so the switch above handles it uniformly.
				f.ctrlQ <- c
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		f.deliver(cmd)
	}
}

// deliver sends one batch with exponential backoff. After the retry
// budget the batch is dropped and the loss is logged with its size.
func (f *Forwarder) deliver(cmd Command) {
	ctx := context.Background()
	backoff := f.opts.RetryBase
	for attempt := 0; ; attempt++ {
		var err error
		if cmd.Op == OpSendDir {
			err = f.sink.SendDirs(ctx, cmd.Records)
		} else {
			err = f.sink.Send(ctx, cmd.Records)
		}
		if err == nil {
			f.sent.Add(int64(len(cmd.Records)))
			return
		}
		if attempt >= f.opts.RetryLimit {
			f.dropped.Add(int64(len(cmd.Records)))
			f.log.Errorf("dropping batch of %d records after %d attempts: %v",
				len(cmd.Records), attempt+1, err)
			return
		}
		f.log.Warnf("sink send failed (attempt %d): %v", attempt+1, err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > f.opts.RetryCap {
			backoff = f.opts.RetryCap
		}
	}
}
