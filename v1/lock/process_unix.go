//go:build unix

package lock

import "golang.org/x/sys/unix"

// ProcessAlive reports whether a process with the given pid exists on this host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		// 0 would signal our own process group
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
