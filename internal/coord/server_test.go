package coord

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/proto"
	"github.com/metascan/metascan/internal/scan"
	"github.com/metascan/metascan/internal/stats"
	"github.com/metascan/metascan/internal/worker"
)

func testLogger() *logging.Logger {
	return logging.New(os.Stderr, logging.LevelError)
}

func testOptions(paths []string) *Options {
	opts := DefaultOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.Paths = paths
	opts.QueueTimeout = 20 * time.Millisecond
	opts.StatsInterval = time.Minute
	opts.RequestWorkInterval = 500 * time.Millisecond
	return opts
}

// fakeWorker is a scripted control-plane peer standing in for a real
// worker process.
type fakeWorker struct {
	t    *testing.T
	conn *proto.Conn
	msgs chan *proto.Message
}

func dialWorker(t *testing.T, addr string) *fakeWorker {
	t.Helper()
	conn, err := proto.Dial(addr)
	if err != nil {
		t.Fatalf("dial coordinator: %v", err)
	}
	w := &fakeWorker{t: t, conn: conn, msgs: make(chan *proto.Message, 64)}
	go func() {
		for {
			m, err := conn.Recv()
			if err != nil {
				close(w.msgs)
				return
			}
			w.msgs <- m
		}
	}()
	return w
}

// register sends the initial stats snapshot that promotes the
// connection into a worker, and consumes the config push.
func (w *fakeWorker) register() {
	w.t.Helper()
	if err := w.conn.Send(proto.Message{Type: proto.MsgStats, Stats: &stats.Snapshot{}}); err != nil {
		w.t.Fatalf("register: %v", err)
	}
	if m := w.expect(proto.MsgConfigUpdate); m == nil {
		w.t.Fatal("no config push after registration")
	}
}

// expect waits for the next message of the given type, skipping others.
func (w *fakeWorker) expect(typ string) *proto.Message {
	w.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-w.msgs:
			if !ok {
				w.t.Fatalf("connection closed while waiting for %q", typ)
			}
			if m.Type == typ {
				return m
			}
		case <-deadline:
			w.t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func (w *fakeWorker) send(m proto.Message) {
	w.t.Helper()
	if err := w.conn.Send(m); err != nil {
		w.t.Fatalf("send %s: %v", m.Type, err)
	}
}

// finish acknowledges quit and closes like a real worker.
func (w *fakeWorker) finish() {
	w.expect(proto.MsgQuit)
	w.send(proto.Message{Type: proto.MsgStateStopped})
	w.conn.Close()
}

func startServer(t *testing.T, opts *Options) (*Server, chan error) {
	t.Helper()
	srv := New(opts, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	return srv, done
}

func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("coordinator error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("coordinator never terminated")
	}
}

func TestDistributionFairness(t *testing.T) {
	// Start with an empty list so both workers are registered (and
	// wanting work) before any distribution round runs; the work then
	// arrives as a rebalancing return.
	srv, done := startServer(t, testOptions(nil))

	w1 := dialWorker(t, srv.Addr().String())
	w2 := dialWorker(t, srv.Addr().String())
	w1.register()
	w2.register()

	paths := make([]string, 10)
	for i := range paths {
		paths[i] = fmt.Sprintf("/data/%d", i)
	}
	w1.send(proto.Message{Type: proto.MsgDirList, WorkItems: paths})

	m1 := w1.expect(proto.MsgDirList)
	m2 := w2.expect(proto.MsgDirList)
	if len(m1.WorkItems)+len(m2.WorkItems) != 10 {
		t.Fatalf("distributed %d+%d directories, want 10 total",
			len(m1.WorkItems), len(m2.WorkItems))
	}
	// 10 directories over 2 workers: both shares must be 5.
	if len(m1.WorkItems) != 5 || len(m2.WorkItems) != 5 {
		t.Fatalf("shares %d/%d, want 5/5", len(m1.WorkItems), len(m2.WorkItems))
	}

	for _, w := range []*fakeWorker{w1, w2} {
		w.send(proto.Message{Type: proto.MsgStateIdle})
		w.send(proto.Message{Type: proto.MsgDirCount, DirCount: 0})
	}
	w1.finish()
	w2.finish()
	waitDone(t, done)
}

func TestUnevenDistribution(t *testing.T) {
	srv, done := startServer(t, testOptions(nil))

	w1 := dialWorker(t, srv.Addr().String())
	w2 := dialWorker(t, srv.Addr().String())
	w1.register()
	w2.register()

	paths := make([]string, 7)
	for i := range paths {
		paths[i] = fmt.Sprintf("/data/%d", i)
	}
	w2.send(proto.Message{Type: proto.MsgDirList, WorkItems: paths})

	n1 := len(w1.expect(proto.MsgDirList).WorkItems)
	n2 := len(w2.expect(proto.MsgDirList).WorkItems)
	if n1+n2 != 7 {
		t.Fatalf("distributed %d+%d, want 7", n1, n2)
	}
	// Each share is floor(7/2)=3 or ceil(7/2)=4.
	for _, n := range []int{n1, n2} {
		if n < 3 || n > 4 {
			t.Fatalf("share of %d outside [3,4]", n)
		}
	}

	for _, w := range []*fakeWorker{w1, w2} {
		w.send(proto.Message{Type: proto.MsgStateIdle})
		w.send(proto.Message{Type: proto.MsgDirCount, DirCount: 0})
	}
	w1.finish()
	w2.finish()
	waitDone(t, done)
}

func TestSolicitationAndRateLimit(t *testing.T) {
	opts := testOptions([]string{"/data/root"})
	srv, done := startServer(t, opts)

	// W1 takes the root and reports a deep queue; W2 arrives late and
	// asks for work, forcing a solicitation of W1.
	w1 := dialWorker(t, srv.Addr().String())
	w1.register()
	w1.expect(proto.MsgDirList)
	w1.send(proto.Message{Type: proto.MsgStateRunning})
	w1.send(proto.Message{Type: proto.MsgDirCount, DirCount: 100})

	w2 := dialWorker(t, srv.Addr().String())
	w2.register()
	w2.send(proto.Message{Type: proto.MsgReqDirList})

	sol := w1.expect(proto.MsgReqDirList)
	if sol.Pct <= 0 || sol.Pct > 1 {
		t.Fatalf("solicitation pct = %v", sol.Pct)
	}
	first := time.Now()

	// Keep wanting work but do not answer yet: the next solicitation
	// must respect the rate limit.
	w2.send(proto.Message{Type: proto.MsgReqDirList})
	w1.expect(proto.MsgReqDirList)
	// Small slack for loopback delivery jitter.
	if since := time.Since(first); since < opts.RequestWorkInterval-50*time.Millisecond {
		t.Fatalf("second solicitation after %v, want about %v", since, opts.RequestWorkInterval)
	}

	// Now answer: the returned directories must reach W2.
	w1.send(proto.Message{Type: proto.MsgDirList, WorkItems: []string{"/data/root/a", "/data/root/b"}})
	got := w2.expect(proto.MsgDirList)
	if len(got.WorkItems) != 2 {
		t.Fatalf("rebalanced %d directories to the idle worker, want 2", len(got.WorkItems))
	}

	w1.send(proto.Message{Type: proto.MsgStateIdle})
	w1.send(proto.Message{Type: proto.MsgDirCount, DirCount: 0})
	w2.send(proto.Message{Type: proto.MsgStateIdle})
	w2.send(proto.Message{Type: proto.MsgDirCount, DirCount: 0})
	w1.finish()
	w2.finish()
	waitDone(t, done)
}

func TestWorkerDisconnectDoesNotStallScan(t *testing.T) {
	srv, done := startServer(t, testOptions([]string{"/data/a", "/data/b"}))

	w1 := dialWorker(t, srv.Addr().String())
	w1.register()
	w1.expect(proto.MsgDirList)

	w2 := dialWorker(t, srv.Addr().String())
	w2.register()
	w2.send(proto.Message{Type: proto.MsgStateRunning})
	w2.send(proto.Message{Type: proto.MsgDirCount, DirCount: 10})

	// W2 crashes mid-scan; its queued directories are abandoned and the
	// rest of the scan still terminates.
	w2.conn.Close()

	w1.send(proto.Message{Type: proto.MsgStateIdle})
	w1.send(proto.Message{Type: proto.MsgDirCount, DirCount: 0})
	w1.finish()
	waitDone(t, done)
}

func TestOperatorQuitCommand(t *testing.T) {
	srv, done := startServer(t, testOptions([]string{"/data/a"}))

	w1 := dialWorker(t, srv.Addr().String())
	w1.register()
	w1.expect(proto.MsgDirList)
	w1.send(proto.Message{Type: proto.MsgStateRunning})

	// Operator client: connects, issues quit, never registers.
	op, err := proto.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := op.Send(proto.Message{Type: proto.MsgCommand, Cmd: proto.CmdQuit}); err != nil {
		t.Fatalf("send quit: %v", err)
	}

	// The running worker still gets the quit broadcast.
	w1.finish()
	op.Close()
	waitDone(t, done)
}

func TestStatusCommand(t *testing.T) {
	srv, done := startServer(t, testOptions([]string{"/data/a"}))

	w1 := dialWorker(t, srv.Addr().String())
	w1.register()
	w1.expect(proto.MsgDirList)
	w1.send(proto.Message{Type: proto.MsgStateRunning})
	w1.send(proto.Message{Type: proto.MsgStats, Stats: &stats.Snapshot{FilesProcessed: 123}})
	w1.send(proto.Message{Type: proto.MsgDirCount, DirCount: 9})

	op, err := proto.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer op.Close()

	// Give the event loop a beat to apply the stats before asking.
	time.Sleep(100 * time.Millisecond)
	if err := op.Send(proto.Message{Type: proto.MsgCommand, Cmd: proto.CmdStatus}); err != nil {
		t.Fatalf("send status: %v", err)
	}
	reply, err := op.RecvTimeout(5 * time.Second)
	if err != nil {
		t.Fatalf("recv status: %v", err)
	}
	if reply.Type != proto.MsgStatus || reply.Status == nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	st := reply.Status
	if st.Totals.FilesProcessed != 123 {
		t.Fatalf("totals files_processed = %d, want 123", st.Totals.FilesProcessed)
	}
	if len(st.Workers) != 1 || st.Workers[0].DirCount != 9 {
		t.Fatalf("worker rows = %+v", st.Workers)
	}

	srv.RequestQuit()
	w1.finish()
	waitDone(t, done)
}

func TestScanTerminatesWithSpareWorker(t *testing.T) {
	// A flat tree fits on one worker, so the second never receives any
	// directories. It must still report idle so the scan can end.
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	srv, done := startServer(t, testOptions([]string{root}))

	workerErrs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wopts := worker.DefaultOptions()
		wopts.CoordAddr = srv.Addr().String()
		wopts.Scan = scan.DefaultOptions().WithThreads(2)
		wopts.TranslateOwners = false
		wopts.PollInterval = 20 * time.Millisecond
		wopts.StatsInterval = time.Minute
		wopts.DirOutputInterval = 50 * time.Millisecond
		wopts.DirRequestInterval = 50 * time.Millisecond
		go func() {
			workerErrs <- worker.New(wopts, testLogger()).Run()
		}()
	}

	waitDone(t, done)
	for i := 0; i < 2; i++ {
		if err := <-workerErrs; err != nil {
			t.Fatalf("worker error: %v", err)
		}
	}
}

func TestDistributeKeepsShareOnSendFailure(t *testing.T) {
	srv := New(testOptions(nil), testLogger())

	ln, err := proto.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	dial := func() *proto.Conn {
		c, err := proto.Dial(ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return c
	}
	good := dial()
	defer good.Close()
	lost := dial()
	lost.Close()

	srv.workers[good] = &workerState{conn: good, id: 1, status: statusIdle, wantData: time.Now()}
	srv.workers[lost] = &workerState{conn: lost, id: 2, status: statusIdle, wantData: time.Now()}
	for i := 0; i < 10; i++ {
		srv.workList = append(srv.workList, fmt.Sprintf("/data/%d", i))
	}

	srv.distribute()

	// The share for the dead connection stays queued for the next round.
	if len(srv.workList) != 5 {
		t.Fatalf("work list kept %d directories, want 5", len(srv.workList))
	}
	if srv.workList[0] != "/data/5" {
		t.Fatalf("kept share starts at %s, want /data/5", srv.workList[0])
	}
	ws := srv.workers[good]
	if !ws.wantData.IsZero() {
		t.Fatal("served worker still marked as wanting")
	}
	if ws.dirCount != 5 {
		t.Fatalf("served worker dirCount = %d, want 5", ws.dirCount)
	}
}

func TestReturnedWorkResetsSolicitationClock(t *testing.T) {
	opts := testOptions([]string{"/data/root"})
	// Interval far beyond the test: only a reset can explain a prompt
	// second solicitation.
	opts.RequestWorkInterval = 10 * time.Second
	srv, done := startServer(t, opts)

	w1 := dialWorker(t, srv.Addr().String())
	w1.register()
	w1.expect(proto.MsgDirList)
	w1.send(proto.Message{Type: proto.MsgStateRunning})
	w1.send(proto.Message{Type: proto.MsgDirCount, DirCount: 100})

	w2 := dialWorker(t, srv.Addr().String())
	w2.register()
	w2.send(proto.Message{Type: proto.MsgReqDirList})
	w1.expect(proto.MsgReqDirList)

	// Answering the solicitation re-arms W1 for the next one.
	w1.send(proto.Message{Type: proto.MsgDirList, WorkItems: []string{"/data/root/a", "/data/root/b"}})
	if got := w2.expect(proto.MsgDirList); len(got.WorkItems) != 2 {
		t.Fatalf("rebalanced %d directories, want 2", len(got.WorkItems))
	}

	w2.send(proto.Message{Type: proto.MsgReqDirList})
	// Arrives well inside expect's deadline, far below the configured
	// interval.
	w1.expect(proto.MsgReqDirList)

	w1.send(proto.Message{Type: proto.MsgStateIdle})
	w1.send(proto.Message{Type: proto.MsgDirCount, DirCount: 0})
	w2.send(proto.Message{Type: proto.MsgStateIdle})
	w2.send(proto.Message{Type: proto.MsgDirCount, DirCount: 0})
	w1.finish()
	w2.finish()
	waitDone(t, done)
}
