//go:build unix

package coord

import (
	"os"
	"os/signal"
	"syscall"
)

// SIGUSR1 toggles debug logging, SIGUSR2 dumps coordinator state. Both
// are broadcast to workers as well.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
}

func isToggleDebug(sig os.Signal) bool { return sig == syscall.SIGUSR1 }

func isDumpState(sig os.Signal) bool { return sig == syscall.SIGUSR2 }
