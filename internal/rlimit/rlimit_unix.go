//go:build unix

// Package rlimit applies the process virtual-memory cap on platforms
// that expose one. Large scans otherwise grow the sink queue without
// bound when the index falls behind.
package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetVMem caps the process address space at bytes. Zero is a no-op.
func SetVMem(bytes uint64) error {
	if bytes == 0 {
		return nil
	}
	lim := unix.Rlimit{Cur: bytes, Max: bytes}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
		return fmt.Errorf("set vmem limit to %d: %w", bytes, err)
	}
	return nil
}

// Supported reports whether the platform honors SetVMem.
func Supported() bool { return true }
