//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// LockMemory pins b in RAM so key material cannot be paged to swap.
func LockMemory(b []byte) error { return unix.Mlock(b) }

func UnlockMemory(b []byte) error { return unix.Munlock(b) }
