//go:build unix

package iplist

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory exclusive lock so external tools honouring
// flock(2) do not interleave writes with ours.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
