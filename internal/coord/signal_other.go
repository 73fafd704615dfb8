//go:build !unix

package coord

import (
	"os"
	"os/signal"
)

func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}

func isToggleDebug(os.Signal) bool { return false }

func isDumpState(os.Signal) bool { return false }
