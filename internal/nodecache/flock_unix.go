//go:build unix && !windows

package nodecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// fileLock is an advisory lock guarding the cache file against a
// concurrently running inspection tool. Blocks until acquired.
type fileLock struct {
	file *os.File
}

func acquireFileLock(cachePath string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lockPath := cachePath + ".lock"
	// #nosec G304 -- lockPath derives from the operator-configured cache path.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open cache lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("acquire cache file lock: %w", err)
	}

	return &fileLock{file: file}, nil
}

func (l *fileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())
	unlockErr := syscall.Flock(fd, syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil && !errors.Is(unlockErr, syscall.EBADF) {
		return fmt.Errorf("unlock cache file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close cache lock file: %w", closeErr)
	}

	return nil
}
