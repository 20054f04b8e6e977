//go:build !unix

package lock

// ProcessAlive cannot inspect processes on this platform and assumes they are
// running, leaving age-based expiry as the only reclaim path.
func ProcessAlive(pid int) bool {
	return pid > 0
}
