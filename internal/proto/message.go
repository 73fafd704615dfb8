// Package proto implements the control plane between the coordinator and
// its workers: a message-oriented, length-prefixed framing over TCP with
// an asynchronous per-connection writer.
package proto

import (
	"github.com/metascan/metascan/internal/stats"
)

// Message types on the wire.
const (
	MsgDirList      = "client_dir_list"
	MsgReqDirList   = "client_req_dir_list"
	MsgQuit         = "client_quit"
	MsgConfigUpdate = "config_update"
	MsgDebug        = "debug"
	MsgStateIdle    = "client_state_idle"
	MsgStateRunning = "client_state_running"
	MsgStateStopped = "client_state_stopped"
	MsgDirCount     = "client_status_dir_count"
	MsgStats        = "client_status_stats"
	MsgCommand      = "command"
	MsgStatus       = "status"

	// MsgClosed is synthesized locally when a connection drops, so a
	// single recv-driven loop sees peer loss as a regular message.
	MsgClosed = "closed"
)

// Operator commands carried by MsgCommand.
const (
	CmdQuit        = "quit"
	CmdDumpState   = "dumpstate"
	CmdToggleDebug = "toggledebug"
	CmdStatus      = "status"
)

// Message is the single unit of exchange on the control plane. Type is
// always set; the remaining fields are populated per message type.
type Message struct {
	Type string `json:"type"`

	// MsgDirList: directories being assigned or returned.
	WorkItems []string `json:"work_item,omitempty"`

	// MsgReqDirList (coordinator to worker): fraction of the worker's
	// queued directories to return.
	Pct float64 `json:"pct,omitempty"`

	// MsgCommand / MsgDebug.
	Cmd string `json:"cmd,omitempty"`

	// MsgDirCount: worker's local directory queue depth.
	DirCount int64 `json:"dir_count,omitempty"`

	// MsgStats: worker statistics snapshot.
	Stats *stats.Snapshot `json:"stats,omitempty"`

	// MsgConfigUpdate payload.
	Config *Config `json:"config,omitempty"`

	// MsgStatus: coordinator state snapshot for operator tooling.
	Status *StatusSnapshot `json:"status,omitempty"`
}

// Config is the dynamic reconfiguration block pushed by the coordinator.
type Config struct {
	ClientConfig *ClientConfig `json:"client_config,omitempty"`
	LogLevel     string        `json:"log_level,omitempty"`
	Logger       *LoggerConfig `json:"logger,omitempty"`
}

// ClientConfig configures a worker's sink at scan start. Changes pushed
// mid-scan take effect at the next scan.
type ClientConfig struct {
	SinkType    string       `json:"sink_type,omitempty"` // index, sqlite, null
	IndexPath   string       `json:"index_path,omitempty"`
	DBPath      string       `json:"db_path,omitempty"`
	SinkThreads int          `json:"sink_threads,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// Credentials identify a remote index for sinks that need one.
type Credentials struct {
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Index    string `json:"index,omitempty"`
	URL      string `json:"url,omitempty"`
}

// LoggerConfig redirects a worker's log output.
type LoggerConfig struct {
	Destination string `json:"destination"` // only "file" is recognized
	Filename    string `json:"filename"`
	Level       string `json:"level,omitempty"`
}

// StatusSnapshot is the coordinator's reply to the status command.
type StatusSnapshot struct {
	ScanID      string         `json:"scan_id"`
	Elapsed     float64        `json:"elapsed"`
	WorkList    int            `json:"work_list"`
	WindowSizes []int          `json:"window_sizes"`
	Windows     []int64        `json:"windows"`
	Totals      stats.Snapshot `json:"totals"`
	Workers     []WorkerStatus `json:"workers"`
}

// WorkerStatus is one worker row in a StatusSnapshot.
type WorkerStatus struct {
	ID       int            `json:"id"`
	Status   string         `json:"status"`
	DirCount int64          `json:"dir_count"`
	Stats    stats.Snapshot `json:"stats"`
}
