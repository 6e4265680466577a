//go:build !unix && !windows

package lock

import (
	"errors"
	"os"
)

func tryLockFile(*os.File) error { return errors.ErrUnsupported }

func unlockFile(*os.File) error { return nil }

func removeLocked(f *os.File, path string) error {
	f.Close()
	return os.Remove(path)
}
