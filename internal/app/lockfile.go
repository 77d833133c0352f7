package app

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// maximum of lockfile slots to test
const maxLockfiles = 512

// ProcessName derives the short instance name used for log and lock
// files, the first two bytes of the program name plus the port.
func ProcessName(name string, port int) string {
	b := []byte{'_', '_'}
	if len(name) > 0 {
		b[0] = name[0]
	}
	if len(name) > 1 {
		b[1] = name[1]
	}
	if port == 0 {
		return name
	}
	return fmt.Sprintf("%c%c%d", b[0], b[1], port)
}

// AcquireLockfile claims the first free slot <rootDir>/status/<name>.<N>
// for N in 1..512. The returned file holds a flock for the process
// lifetime; a second instance with the same name takes the next slot.
func AcquireLockfile(rootDir, name string) (*os.File, error) {
	statusDir := filepath.Join(rootDir, "status")
	if _, err := os.Stat(statusDir); err != nil {
		return nil, fmt.Errorf("status directory missing: %w", err)
	}
	for n := 1; n <= maxLockfiles; n++ {
		path := filepath.Join(statusDir, fmt.Sprintf("%s.%d", name, n))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = f.Close()
			continue
		}
		_ = f.Truncate(0)
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
		return f, nil
	}
	return nil, fmt.Errorf("no free lockfile slot in %s for %s", statusDir, name)
}
