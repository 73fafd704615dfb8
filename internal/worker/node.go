// Package worker implements the scan worker: it connects to a
// coordinator, runs the local scanner engine against assigned
// directories, forwards metadata records to the configured sink and
// reports state, queue depth and statistics back over the control plane.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/metascan/metascan/internal/auth"
	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/meta"
	"github.com/metascan/metascan/internal/proto"
	"github.com/metascan/metascan/internal/scan"
	"github.com/metascan/metascan/internal/sink"
	"github.com/metascan/metascan/internal/stats"
)

// Worker lifecycle states, mirrored onto the wire as state messages.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateIdle     = "idle"
	StateStopped  = "stopped"
)

// Options configures a worker node.
type Options struct {
	// CoordAddr is the coordinator's "host:port".
	CoordAddr string

	// Scan configures the local engine.
	Scan *scan.Options

	// Sink configures the forwarder pool.
	Sink *sink.Options

	// Meta configures record extraction.
	Meta *meta.Options

	// TranslateOwners resolves uid/gid to names on each record.
	TranslateOwners bool

	// UserAttrs collects user.* extended attributes on each record.
	UserAttrs bool

	// PollInterval drives the main loop when no messages arrive.
	PollInterval time.Duration

	// StatsInterval is how often a full statistics snapshot is sent.
	StatsInterval time.Duration

	// DirOutputInterval is how often the directory queue depth is sent.
	DirOutputInterval time.Duration

	// DirRequestInterval rate-limits work requests while the local
	// directory queue is empty.
	DirRequestInterval time.Duration
}

// DefaultOptions returns the worker defaults.
func DefaultOptions() *Options {
	return &Options{
		Scan:               scan.DefaultOptions(),
		Sink:               sink.DefaultOptions(),
		Meta:               meta.DefaultOptions(),
		TranslateOwners:    true,
		PollInterval:       time.Second,
		StatsInterval:      60 * time.Second,
		DirOutputInterval:  2 * time.Second,
		DirRequestInterval: 2 * time.Second,
	}
}

// Node is one worker process.
type Node struct {
	opts *Options
	log  *logging.Logger

	conn   *proto.Conn
	engine *scan.Engine
	fwd    *sink.Forwarder
	cfg    *proto.ClientConfig

	state     string
	start     time.Time
	logFile   *os.File
	debugOn   bool
	prevLvl   logging.Level
	quitting  bool
	lastAsked time.Time
}

// New creates a worker node. The engine and sink are built lazily, once
// the coordinator has pushed its configuration.
func New(opts *Options, log *logging.Logger) *Node {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Node{
		opts:  opts,
		log:   log.WithComponent("worker"),
		state: StateStarting,
	}
}

// Run connects to the coordinator and processes work until the
// coordinator tells the worker to quit or the connection drops.
func (n *Node) Run() error {
	conn, err := proto.Dial(n.opts.CoordAddr)
	if err != nil {
		return err
	}
	n.conn = conn
	n.start = time.Now()
	n.log.Infof("connected to coordinator at %s", n.opts.CoordAddr)

	// The first stats snapshot registers this connection as a worker.
	// Operator clients never send one, so they never receive work.
	if err := n.sendStats(); err != nil {
		conn.Close()
		return fmt.Errorf("register with coordinator: %w", err)
	}

	msgCh := make(chan *proto.Message, 64)
	go func() {
		for {
			m, err := conn.Recv()
			if err != nil {
				msgCh <- &proto.Message{Type: proto.MsgClosed}
				return
			}
			msgCh <- m
		}
	}()

	ticker := time.NewTicker(n.opts.PollInterval)
	defer ticker.Stop()

	var lastStats, lastDirOut int64
	for {
		select {
		case m := <-msgCh:
			if done := n.handleMessage(m); done {
				n.shutdown()
				return nil
			}
		case <-ticker.C:
			n.updateState()
			n.maybeRequestWork()
			elapsed := time.Since(n.start)
			if cur := int64(elapsed / n.opts.StatsInterval); cur > lastStats {
				lastStats = cur
				n.sendStats()
			}
			if cur := int64(elapsed / n.opts.DirOutputInterval); cur > lastDirOut {
				lastDirOut = cur
				n.sendDirCount()
			}
		}
	}
}

// handleMessage dispatches one coordinator message. It returns true when
// the worker should shut down.
func (n *Node) handleMessage(m *proto.Message) bool {
	switch m.Type {
	case proto.MsgConfigUpdate:
		n.applyConfig(m.Config)

	case proto.MsgDirList:
		if n.engine == nil {
			if err := n.buildEngine(); err != nil {
				n.log.Errorf("cannot start engine: %v", err)
				return true
			}
		}
		n.engine.AddScanPaths(m.WorkItems)
		n.log.Debugf("received %d directories", len(m.WorkItems))
		n.setState(StateRunning)

	case proto.MsgReqDirList:
		n.returnWork(m.Pct)

	case proto.MsgDebug:
		n.handleDebug(m.Cmd)

	case proto.MsgQuit:
		n.log.Infof("quit requested by coordinator")
		n.quitting = true
		return true

	case proto.MsgClosed:
		n.log.Warnf("coordinator connection lost")
		n.quitting = true
		return true

	default:
		n.log.Warnf("unexpected message type %q", m.Type)
	}
	return false
}

// applyConfig applies a coordinator configuration push. Sink settings
// are recorded for the next engine build; log settings apply at once.
func (n *Node) applyConfig(cfg *proto.Config) {
	if cfg == nil {
		return
	}
	if cfg.ClientConfig != nil {
		n.cfg = cfg.ClientConfig
		if n.engine != nil {
			n.log.Infof("sink configuration updated; takes effect at next scan")
		}
	}
	if cfg.LogLevel != "" {
		n.log.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	if cfg.Logger != nil && cfg.Logger.Destination == "file" && cfg.Logger.Filename != "" {
		f, err := n.log.RedirectToFile(cfg.Logger.Filename)
		if err != nil {
			n.log.Errorf("cannot redirect log output: %v", err)
		} else {
			if n.logFile != nil {
				n.logFile.Close()
			}
			n.logFile = f
			if cfg.Logger.Level != "" {
				n.log.SetLevel(logging.ParseLevel(cfg.Logger.Level))
			}
		}
	}
}

// buildEngine constructs the sink, forwarder, handler and engine from
// the current configuration and starts them.
func (n *Node) buildEngine() error {
	s, err := n.buildSink()
	if err != nil {
		return err
	}
	n.fwd = sink.NewForwarder(n.opts.Sink, s, n.log)
	n.fwd.Start()

	base := meta.NewBasicHandler(n.opts.Meta, n.fwd, n.log)
	var names *auth.Cache
	if n.opts.TranslateOwners {
		names = auth.NewCache(nil)
	}
	handler := meta.NewExtendedHandler(base, names, n.opts.UserAttrs)

	n.engine = scan.NewEngine(n.opts.Scan, handler, n.log)
	n.engine.Start()
	return nil
}

func (n *Node) buildSink() (sink.Sink, error) {
	if n.cfg == nil {
		return sink.NullSink{}, nil
	}
	if n.cfg.SinkThreads > 0 {
		n.opts.Sink.Threads = n.cfg.SinkThreads
	}
	switch n.cfg.SinkType {
	case "", "null":
		return sink.NullSink{}, nil
	case "index":
		return sink.NewBleveSink(n.cfg.IndexPath)
	case "sqlite":
		return sink.NewSQLiteSink(n.cfg.DBPath)
	}
	return nil, fmt.Errorf("unknown sink type %q", n.cfg.SinkType)
}

// returnWork sends part of the local directory queue back for
// redistribution to less loaded workers.
func (n *Node) returnWork(pct float64) {
	if n.engine == nil {
		return
	}
	dirs := n.engine.TakeDirQueueItems(1, pct)
	if len(dirs) == 0 {
		return
	}
	n.log.Debugf("returning %d directories for redistribution", len(dirs))
	n.send(proto.Message{Type: proto.MsgDirList, WorkItems: dirs})
}

func (n *Node) handleDebug(cmd string) {
	switch cmd {
	case proto.CmdToggleDebug:
		if n.debugOn {
			n.log.SetLevel(n.prevLvl)
		} else {
			n.prevLvl = n.log.Level()
			n.log.SetLevel(logging.LevelDebug)
		}
		n.debugOn = !n.debugOn
		n.log.Infof("debug logging %v", n.debugOn)
	case proto.CmdDumpState:
		n.log.Infof("state dump: %s", n.DumpState())
	default:
		n.log.Warnf("unknown debug command %q", cmd)
	}
}

// updateState recomputes the lifecycle state and pushes a state message
// on transitions. A worker that never received work has no engine; it
// still reports idle, so a scan can finish without it.
func (n *Node) updateState() {
	busy := n.engine != nil &&
		(n.engine.DirQueueSize() > 0 || n.engine.FileQueueSize() > 0 || n.engine.IsProcessing())
	if busy {
		n.setState(StateRunning)
	} else {
		n.setState(StateIdle)
	}
}

// maybeRequestWork asks the coordinator for directories when the local
// queue is dry (or was never filled), rate-limited so an idle worker
// does not spam the wire.
func (n *Node) maybeRequestWork() {
	if n.engine != nil && n.engine.DirQueueSize() > 0 {
		return
	}
	if time.Since(n.lastAsked) < n.opts.DirRequestInterval {
		return
	}
	n.lastAsked = time.Now()
	n.send(proto.Message{Type: proto.MsgReqDirList})
}

func (n *Node) setState(s string) {
	if n.state == s {
		return
	}
	n.state = s
	var typ string
	switch s {
	case StateRunning:
		typ = proto.MsgStateRunning
	case StateIdle:
		typ = proto.MsgStateIdle
	case StateStopped:
		typ = proto.MsgStateStopped
	default:
		return
	}
	n.log.Debugf("state %s", s)
	n.send(proto.Message{Type: typ})
	if s == StateIdle {
		// Going idle always carries a fresh snapshot so the final
		// report never lags a full stats interval.
		n.sendStats()
	}
}

func (n *Node) sendStats() error {
	var snap proto.Message
	snap.Type = proto.MsgStats
	if n.engine != nil {
		s := n.engine.Stats()
		snap.Stats = &s
	} else {
		snap.Stats = &stats.Snapshot{}
	}
	return n.send(snap)
}

func (n *Node) sendDirCount() {
	if n.engine == nil {
		return
	}
	n.send(proto.Message{
		Type:     proto.MsgDirCount,
		DirCount: int64(n.engine.DirQueueSize()),
	})
}

func (n *Node) send(m proto.Message) error {
	if err := n.conn.Send(m); err != nil {
		n.log.Warnf("send %s: %v", m.Type, err)
		return err
	}
	return nil
}

// shutdown stops the engine, flushes the sink and reports final state.
func (n *Node) shutdown() {
	if n.engine != nil {
		n.engine.Terminate()
	}
	if n.fwd != nil {
		n.fwd.Shutdown(true)
	}
	n.sendStats()
	n.setState(StateStopped)
	n.conn.Close()
	if n.logFile != nil {
		n.logFile.Close()
	}
	n.log.Infof("worker stopped")
}

// DumpState renders the worker's internal state as JSON for diagnostics.
func (n *Node) DumpState() string {
	state := map[string]any{
		"state":   n.state,
		"elapsed": time.Since(n.start).Seconds(),
		"coord":   n.opts.CoordAddr,
	}
	if n.engine != nil {
		state["dir_q_size"] = n.engine.DirQueueSize()
		state["file_q_size"] = n.engine.FileQueueSize()
		state["processing"] = n.engine.IsProcessing()
		state["stats"] = n.engine.Stats()
	}
	if n.fwd != nil {
		state["send_q_size"] = n.fwd.QueueLen()
		state["sent"] = n.fwd.Sent()
		state["dropped"] = n.fwd.Dropped()
		state["scan_id"] = n.fwd.ScanID()
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", state)
	}
	return string(out)
}
