package holder

import "github.com/shirou/gopsutil/v3/process"

// Alive reports whether a process with pid exists on this host.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
