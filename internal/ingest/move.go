package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Mover relocates archive files with a bounded retry, tolerating transient
// locks held by scanners or sync clients.
type Mover struct {
	Attempts int
	Backoff  time.Duration

	sleep  func(time.Duration)
	rename func(oldpath, newpath string) error
}

// NewMover returns a Mover that waits Backoff*(i+1) after failed attempt i.
func NewMover(attempts int, backoff time.Duration) *Mover {
	if attempts < 1 {
		attempts = 1
	}
	return &Mover{Attempts: attempts, Backoff: backoff, sleep: time.Sleep, rename: os.Rename}
}

// Move moves src into dstDir keeping its base name and returns the new path.
// A missing source fails immediately; other failures are retried and then
// reported as KindTransientIO.
func (m *Mover) Move(src, dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", dstDir, err)
	}
	dst := filepath.Join(dstDir, filepath.Base(src))

	var err error
	for i := 0; i < m.Attempts; i++ {
		if err = m.moveOnce(src, dst); err == nil {
			return dst, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("move %s: %w", src, err)
		}
		if i < m.Attempts-1 {
			m.sleep(m.Backoff * time.Duration(i+1))
		}
	}
	return "", &Error{
		Kind: KindTransientIO,
		Msg:  fmt.Sprintf("move %s to %s failed after %d attempts; close any app using the file and rerun", filepath.Base(src), dstDir, m.Attempts),
		Err:  err,
	}
}

func (m *Mover) moveOnce(src, dst string) error {
	err := m.rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	return copyThenRemove(src, dst)
}

// copyThenRemove handles moves across filesystems, where rename fails.
func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		in.Close()
		return err
	}
	_, err = io.Copy(out, in)
	in.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
