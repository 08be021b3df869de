package auditlog

import (
	"os"
	"syscall"
)

// fdatasync flushes file data without the timestamps fsync also writes.
func fdatasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
