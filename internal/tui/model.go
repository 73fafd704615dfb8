// Package tui renders the live scan monitor: a terminal view of the
// coordinator's status, refreshed once per second over the control
// plane.
package tui

import (
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/metascan/metascan/internal/proto"
)

const (
	pollEvery   = time.Second
	replyWithin = 3 * time.Second
)

var errBadReply = errors.New("unexpected reply to status command")

// Model holds the monitor state.
type Model struct {
	addr    string
	status  *proto.StatusSnapshot
	fetched time.Time
	width   int
	height  int
	paused  bool
	err     error
}

// NewModel creates a monitor polling the coordinator at addr.
func NewModel(addr string) *Model {
	return &Model{addr: addr}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus, tick())
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(pollEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type statusMsg struct {
	status *proto.StatusSnapshot
	err    error
}

// fetchStatus performs one status round trip on a fresh connection, so
// the monitor never holds a socket between polls and a restarting
// coordinator is picked up transparently.
func (m *Model) fetchStatus() tea.Msg {
	conn, err := proto.Dial(m.addr)
	if err != nil {
		return statusMsg{err: err}
	}
	defer conn.Close()

	if err := conn.Send(proto.Message{Type: proto.MsgCommand, Cmd: proto.CmdStatus}); err != nil {
		return statusMsg{err: err}
	}
	reply, err := conn.RecvTimeout(replyWithin)
	if err != nil {
		return statusMsg{err: err}
	}
	if reply.Type != proto.MsgStatus || reply.Status == nil {
		return statusMsg{err: errBadReply}
	}
	return statusMsg{status: reply.Status}
}

func (m *Model) helpLine() string {
	if m.paused {
		return "p: resume | r: refresh | q: quit"
	}
	return "p: pause | r: refresh | q: quit"
}
