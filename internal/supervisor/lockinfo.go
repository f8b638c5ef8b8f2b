package supervisor

import (
	"os"
	"strconv"
	"strings"
)

// LockHolder returns the pid written into the lock file at path, or 0 when
// there is none. The pid only names the holder for error messages; the
// lock itself decides ownership.
func LockHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func writeHolder(f *os.File) {
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
}
