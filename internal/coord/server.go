// Package coord implements the scan coordinator: it listens for worker
// connections, owns the global work list and the worker-state table,
// rebalances directories between workers and decides global termination.
package coord

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/proto"
	"github.com/metascan/metascan/internal/stats"
)

// Worker statuses as tracked in the worker-state table.
const (
	statusStarting = "starting"
	statusRunning  = "running"
	statusIdle     = "idle"
	statusStopped  = "stopped"
)

// Options configures the coordinator.
type Options struct {
	// ListenAddr is the "host:port" to listen on. Port 0 picks one.
	ListenAddr string

	// Paths are the scan roots seeding the global work list.
	Paths []string

	// ClientConfig is pushed to every worker at registration.
	ClientConfig *proto.ClientConfig

	// LogLevel and Logger, when set, are pushed alongside ClientConfig.
	LogLevel string
	Logger   *proto.LoggerConfig

	// QueueTimeout bounds each event-loop wait so timers always run.
	QueueTimeout time.Duration

	// StatsInterval is how often an interim report is printed.
	StatsInterval time.Duration

	// RequestWorkInterval rate-limits solicitations per target worker.
	RequestWorkInterval time.Duration

	// RequestPct is the queue fraction asked for in a solicitation.
	RequestPct float64

	// WindowSizes configures the rate windows, in seconds.
	WindowSizes []int

	// NodeList, when non-empty, launches a worker on each node over ssh.
	NodeList []string

	// WorkerCmd is the remote command used for NodeList launches.
	WorkerCmd string
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() *Options {
	return &Options{
		ListenAddr:          ":18501",
		QueueTimeout:        time.Second,
		StatsInterval:       60 * time.Second,
		RequestWorkInterval: 5 * time.Second,
		RequestPct:          0.5,
		WindowSizes:         stats.DefaultWindowSizes,
	}
}

type eventKind int

const (
	evConnect eventKind = iota
	evData
	evClosed
	evQuit
	evToggleDebug
	evDumpState
	evRemote
)

// event is one unit of input to the main loop. All worker-state and
// work-list mutation happens on the loop goroutine, so neither needs a
// lock.
type event struct {
	kind eventKind
	conn *proto.Conn
	msg  *proto.Message
	node string
	out  string
	err  error
}

// workerState is the coordinator's view of one registered worker.
type workerState struct {
	conn      *proto.Conn
	id        int
	status    string
	dirCount  int64
	wantData  time.Time
	sentData  time.Time
	stats     stats.Snapshot
	statsTime time.Time
	quitSent  bool
}

// Server is the coordinator process.
type Server struct {
	opts *Options
	log  *logging.Logger

	ln     *proto.Listener
	events chan event

	// Owned by the main loop.
	workers   map[*proto.Conn]*workerState
	pending   map[*proto.Conn]struct{}
	workList  []string
	removed   []*stats.Snapshot
	nextID    int
	sawWorker bool
	quitAll   bool

	scanID    string
	start     time.Time
	fps       *stats.SlidingWindow
	lastFiles int64
	debugOn   bool
	prevLvl   logging.Level
}

// New creates a coordinator. Paths seed the global work list.
func New(opts *Options, log *logging.Logger) *Server {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = time.Second
	}
	if len(opts.WindowSizes) == 0 {
		opts.WindowSizes = stats.DefaultWindowSizes
	}
	return &Server{
		opts:     opts,
		log:      log.WithComponent("coord"),
		events:   make(chan event, 1024),
		workers:  map[*proto.Conn]*workerState{},
		pending:  map[*proto.Conn]struct{}{},
		workList: append([]string(nil), opts.Paths...),
		scanID:   uuid.NewString(),
		fps:      stats.NewSlidingWindow(opts.WindowSizes, 1),
	}
}

// Listen binds the control-plane listener.
func (s *Server) Listen() error {
	ln, err := proto.Listen(s.opts.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Infof("listening on %s, scan id %s", ln.Addr(), s.scanID)
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// RequestQuit injects an operator quit into the event loop.
func (s *Server) RequestQuit() {
	s.events <- event{kind: evQuit}
}

// Run listens (if not already), serves the scan to completion and prints
// final statistics. It returns once every worker has stopped and gone.
func (s *Server) Run() (err error) {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.start = time.Now()

	sigCh := make(chan os.Signal, 4)
	notifySignals(sigCh)
	go s.watchSignals(sigCh)

	go s.acceptLoop()
	if len(s.opts.NodeList) > 0 {
		s.launchRemote()
	}

	defer func() {
		if r := recover(); r != nil {
			// Best effort: get quit out to workers before dying.
			s.broadcastQuit()
			err = fmt.Errorf("coordinator panic: %v", r)
		}
		s.ln.Close()
	}()

	err = s.loop()
	s.printFinalStats()
	return err
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.events <- event{kind: evConnect, conn: c}
		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *proto.Conn) {
	for {
		m, err := c.Recv()
		if err != nil {
			s.events <- event{kind: evClosed, conn: c, err: err}
			return
		}
		s.events <- event{kind: evData, conn: c, msg: m}
	}
}

func (s *Server) watchSignals(ch <-chan os.Signal) {
	for sig := range ch {
		switch {
		case isToggleDebug(sig):
			s.events <- event{kind: evToggleDebug}
		case isDumpState(sig):
			s.events <- event{kind: evDumpState}
		default:
			s.events <- event{kind: evQuit}
		}
	}
}

// loop is the single event loop. One event per iteration, then timers,
// termination check, distribution and solicitation, in that order.
func (s *Server) loop() error {
	var lastSample, lastPrint int64
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-time.After(s.opts.QueueTimeout):
		}

		elapsed := time.Since(s.start)
		if cur := int64(elapsed / time.Second); cur > lastSample {
			lastSample = cur
			s.sampleWindow()
		}
		if cur := int64(elapsed / s.opts.StatsInterval); cur > lastPrint {
			lastPrint = cur
			s.printInterimStats()
		}

		if s.checkTermination() {
			if len(s.workers) == 0 && len(s.pending) == 0 {
				return nil
			}
			continue
		}
		s.distribute()
		s.solicit()
	}
}

func (s *Server) dispatch(ev event) {
	switch ev.kind {
	case evConnect:
		s.pending[ev.conn] = struct{}{}
		s.log.Debugf("connection from %s", ev.conn.RemoteAddr())

	case evData:
		if ws, ok := s.workers[ev.conn]; ok {
			s.handleWorkerMsg(ws, ev.msg)
		} else {
			s.handlePendingMsg(ev.conn, ev.msg)
		}

	case evClosed:
		if ws, ok := s.workers[ev.conn]; ok {
			snap := ws.stats
			s.removed = append(s.removed, &snap)
			delete(s.workers, ev.conn)
			if ws.status != statusStopped && ws.dirCount > 0 {
				s.log.Warnf("worker %d lost with ~%d directories queued; that subtree is abandoned",
					ws.id, ws.dirCount)
			} else {
				s.log.Infof("worker %d disconnected", ws.id)
			}
		} else {
			delete(s.pending, ev.conn)
		}
		ev.conn.Close()

	case evQuit:
		s.log.Infof("quit requested")
		s.quitAll = true

	case evToggleDebug:
		s.toggleDebug()

	case evDumpState:
		s.log.Infof("state dump: %s", s.DumpState())

	case evRemote:
		if ev.err != nil {
			s.log.Warnf("remote launch on %s failed: %v (%s)", ev.node, ev.err, ev.out)
		} else {
			s.log.Infof("remote worker on %s exited", ev.node)
		}
	}
}

// handlePendingMsg handles traffic from unregistered connections. A
// stats snapshot registers the connection as a worker; a command marks
// it as operator tooling. Anything else is noise.
func (s *Server) handlePendingMsg(c *proto.Conn, m *proto.Message) {
	switch m.Type {
	case proto.MsgStats:
		s.registerWorker(c, m)
	case proto.MsgCommand:
		s.handleCommand(c, m.Cmd)
	default:
		s.log.Warnf("message %q from unregistered connection %s", m.Type, c.RemoteAddr())
	}
}

// registerWorker promotes a pending connection into the worker table and
// pushes the scan configuration. The worker gets its first directories
// through the normal distribution step.
func (s *Server) registerWorker(c *proto.Conn, m *proto.Message) {
	delete(s.pending, c)
	s.nextID++
	ws := &workerState{
		conn:      c,
		id:        s.nextID,
		status:    statusStarting,
		wantData:  time.Now(),
		statsTime: time.Now(),
	}
	if m.Stats != nil {
		ws.stats = *m.Stats
	}
	s.workers[c] = ws
	s.sawWorker = true
	s.log.Infof("worker %d registered from %s", ws.id, c.RemoteAddr())

	cfg := &proto.Config{
		ClientConfig: s.opts.ClientConfig,
		LogLevel:     s.opts.LogLevel,
		Logger:       s.opts.Logger,
	}
	if err := c.Send(proto.Message{Type: proto.MsgConfigUpdate, Config: cfg}); err != nil {
		s.log.Warnf("config push to worker %d: %v", ws.id, err)
	}
}

func (s *Server) handleWorkerMsg(ws *workerState, m *proto.Message) {
	switch m.Type {
	case proto.MsgStats:
		if m.Stats != nil {
			ws.stats = *m.Stats
			ws.statsTime = time.Now()
		}

	case proto.MsgDirCount:
		ws.dirCount = m.DirCount

	case proto.MsgReqDirList:
		ws.wantData = time.Now()
		ws.dirCount = 0

	case proto.MsgDirList:
		s.workList = append(s.workList, m.WorkItems...)
		// The returning worker answered its solicitation; it may be
		// asked again right away, and it is no longer waiting for work.
		ws.sentData = time.Time{}
		ws.wantData = time.Time{}
		s.log.Debugf("worker %d returned %d directories", ws.id, len(m.WorkItems))

	case proto.MsgStateRunning:
		ws.status = statusRunning
		ws.wantData = time.Time{}

	case proto.MsgStateIdle:
		ws.status = statusIdle

	case proto.MsgStateStopped:
		ws.status = statusStopped

	case proto.MsgCommand:
		s.handleCommand(ws.conn, m.Cmd)

	default:
		s.log.Warnf("unexpected message type %q from worker %d", m.Type, ws.id)
	}
}

func (s *Server) handleCommand(c *proto.Conn, cmd string) {
	s.log.Infof("operator command %q from %s", cmd, c.RemoteAddr())
	switch cmd {
	case proto.CmdQuit:
		s.quitAll = true
	case proto.CmdDumpState:
		s.log.Infof("state dump: %s", s.DumpState())
		s.broadcastDebug(proto.CmdDumpState)
	case proto.CmdToggleDebug:
		s.toggleDebug()
	case proto.CmdStatus:
		snap := s.statusSnapshot()
		if err := c.Send(proto.Message{Type: proto.MsgStatus, Status: &snap}); err != nil {
			s.log.Warnf("status reply: %v", err)
		}
	default:
		s.log.Warnf("unknown command %q", cmd)
	}
}

func (s *Server) toggleDebug() {
	if s.debugOn {
		s.log.SetLevel(s.prevLvl)
	} else {
		s.prevLvl = s.log.Level()
		s.log.SetLevel(logging.LevelDebug)
	}
	s.debugOn = !s.debugOn
	s.log.Infof("debug logging %v", s.debugOn)
	s.broadcastDebug(proto.CmdToggleDebug)
}

func (s *Server) broadcastDebug(cmd string) {
	for _, ws := range s.sortedWorkers() {
		ws.conn.Send(proto.Message{Type: proto.MsgDebug, Cmd: cmd})
	}
}

// checkTermination broadcasts quit once the scan is complete (or an
// operator asked for it) and reports whether the loop is winding down.
func (s *Server) checkTermination() bool {
	if s.quitAll {
		s.broadcastQuit()
		return true
	}
	if !s.sawWorker {
		return false
	}
	if len(s.workList) > 0 {
		return false
	}
	for _, ws := range s.workers {
		if ws.status != statusIdle && ws.status != statusStopped {
			return false
		}
		// An idle report can predate a share still in flight to the same
		// worker; the optimistic dirCount covers that window until the
		// worker acknowledges the queue draining.
		if ws.status == statusIdle && ws.dirCount > 0 {
			return false
		}
	}
	s.broadcastQuit()
	return true
}

// broadcastQuit sends quit to every worker that has not already received
// one. Stopped workers are about to close on their own.
func (s *Server) broadcastQuit() {
	for _, ws := range s.sortedWorkers() {
		if ws.quitSent || ws.status == statusStopped {
			continue
		}
		ws.quitSent = true
		s.log.Infof("sending quit to worker %d", ws.id)
		ws.conn.Send(proto.Message{Type: proto.MsgQuit})
	}
	for c := range s.pending {
		c.Close()
		delete(s.pending, c)
	}
}

// distribute splits the global work list into near-equal shares across
// the workers currently asking for work. Every wanting worker receives
// either floor(D/W) or ceil(D/W) directories.
func (s *Server) distribute() {
	if len(s.workList) == 0 {
		return
	}
	var wanting []*workerState
	for _, ws := range s.sortedWorkers() {
		if !ws.wantData.IsZero() && ws.status != statusStopped {
			wanting = append(wanting, ws)
		}
	}
	if len(wanting) == 0 {
		return
	}

	base := len(s.workList) / len(wanting)
	extra := len(s.workList) % len(wanting)
	idx := 0
	var unsent []string
	for i, ws := range wanting {
		n := base
		if i < extra {
			n++
		}
		if n == 0 {
			continue
		}
		// Copy: the send is asynchronous and the work list backing
		// array is reused immediately below.
		share := append([]string(nil), s.workList[idx:idx+n]...)
		idx += n
		if err := ws.conn.Send(proto.Message{Type: proto.MsgDirList, WorkItems: share}); err != nil {
			// A failed share stays on the work list for the next round.
			s.log.Warnf("work send to worker %d: %v; keeping %d directories", ws.id, err, n)
			unsent = append(unsent, share...)
			continue
		}
		s.log.Debugf("sent %d directories to worker %d", n, ws.id)
		ws.wantData = time.Time{}
		// Optimistic, corrected by the next dir-count report.
		ws.dirCount += int64(n)
	}
	s.workList = unsent
}

// solicit asks loaded workers to return part of their queue when someone
// is still waiting for work, rate-limited per target.
func (s *Server) solicit() {
	anyWanting := false
	for _, ws := range s.workers {
		if !ws.wantData.IsZero() {
			anyWanting = true
			break
		}
	}
	if !anyWanting {
		return
	}
	for _, ws := range s.sortedWorkers() {
		if ws.dirCount <= 1 || ws.status == statusStopped {
			continue
		}
		if time.Since(ws.sentData) < s.opts.RequestWorkInterval {
			continue
		}
		ws.sentData = time.Now()
		s.log.Debugf("soliciting %.0f%% of worker %d's queue", s.opts.RequestPct*100, ws.id)
		ws.conn.Send(proto.Message{Type: proto.MsgReqDirList, Pct: s.opts.RequestPct})
	}
}

func (s *Server) sortedWorkers() []*workerState {
	out := make([]*workerState, 0, len(s.workers))
	for _, ws := range s.workers {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// totals merges the latest snapshot from every live worker with the
// final snapshots of workers that already left.
func (s *Server) totals() stats.Snapshot {
	snaps := make([]*stats.Snapshot, 0, len(s.removed)+len(s.workers))
	snaps = append(snaps, s.removed...)
	for _, ws := range s.workers {
		snap := ws.stats
		snaps = append(snaps, &snap)
	}
	out := stats.Merge(snaps)
	out.Custom = stats.MergeCustom(snaps)
	return out
}

func (s *Server) sampleWindow() {
	t := s.totals()
	s.fps.AddSample(t.FilesProcessed - s.lastFiles)
	s.lastFiles = t.FilesProcessed
}

func (s *Server) printInterimStats() {
	t := s.totals()
	rates := make([]string, 0, len(s.opts.WindowSizes))
	for i, sum := range s.fps.Windows() {
		size := s.opts.WindowSizes[i]
		rates = append(rates, fmt.Sprintf("%.1f/s", float64(sum)/float64(size)))
	}
	s.log.Infof("elapsed %s: %s dirs, %s files (%s skipped), %s, %d queued here, %d workers, rate %v",
		time.Since(s.start).Round(time.Second),
		humanize.Comma(t.DirsProcessed),
		humanize.Comma(t.FilesProcessed),
		humanize.Comma(t.FilesSkipped),
		humanize.Bytes(uint64(t.FileSizeTotal)),
		len(s.workList),
		len(s.workers),
		rates)
}

func (s *Server) printFinalStats() {
	t := s.totals()
	elapsed := time.Since(s.start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(t.FilesProcessed) / elapsed
	}
	s.log.Infof("scan %s finished in %s", s.scanID, time.Since(s.start).Round(time.Millisecond))
	s.log.Infof("directories: %s processed, %s skipped",
		humanize.Comma(t.DirsProcessed), humanize.Comma(t.DirsSkipped))
	s.log.Infof("files: %s processed, %s skipped, %s logical, %s physical",
		humanize.Comma(t.FilesProcessed), humanize.Comma(t.FilesSkipped),
		humanize.Bytes(uint64(t.FileSizeTotal)), humanize.Bytes(uint64(t.FileSizePhysical)))
	s.log.Infof("overall rate: %.1f files/s", rate)
	for name, v := range t.Custom {
		s.log.Debugf("custom counter %s = %d", name, v)
	}
}

// statusSnapshot builds the reply for the status command.
func (s *Server) statusSnapshot() proto.StatusSnapshot {
	snap := proto.StatusSnapshot{
		ScanID:      s.scanID,
		Elapsed:     time.Since(s.start).Seconds(),
		WorkList:    len(s.workList),
		WindowSizes: s.fps.Sizes(),
		Windows:     s.fps.Windows(),
		Totals:      s.totals(),
	}
	for _, ws := range s.sortedWorkers() {
		snap.Workers = append(snap.Workers, proto.WorkerStatus{
			ID:       ws.id,
			Status:   ws.status,
			DirCount: ws.dirCount,
			Stats:    ws.stats,
		})
	}
	return snap
}

// DumpState renders the coordinator's state as JSON for diagnostics.
func (s *Server) DumpState() string {
	state := map[string]any{
		"scan_id":   s.scanID,
		"elapsed":   time.Since(s.start).Seconds(),
		"work_list": s.workList,
		"quit_all":  s.quitAll,
		"totals":    s.totals(),
	}
	var workers []map[string]any
	for _, ws := range s.sortedWorkers() {
		workers = append(workers, map[string]any{
			"id":        ws.id,
			"status":    ws.status,
			"dir_count": ws.dirCount,
			"want_data": !ws.wantData.IsZero(),
			"addr":      ws.conn.RemoteAddr().String(),
		})
	}
	state["workers"] = workers
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", state)
	}
	return string(out)
}
