//go:build !unix

package rlimit

// SetVMem is a no-op where the platform has no address-space rlimit.
func SetVMem(bytes uint64) error { return nil }

// Supported reports whether the platform honors SetVMem.
func Supported() bool { return false }
