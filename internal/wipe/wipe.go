// Package wipe implements best-effort secure deletion: overwrite the file's
// current length with random bytes, then remove it. This cannot defeat
// flash wear leveling or copy-on-write filesystems, which may retain prior
// physical blocks regardless; the contract is overwrite what the filesystem
// exposes, then unlink.
package wipe

import (
	"crypto/rand"
	"io"
	"os"
)

const DefaultPasses = 3

// Wipe overwrites path with random bytes for the given number of passes,
// syncing after each, then removes it. A failed overwrite never aborts the
// removal. A file that is already gone counts as wiped.
func Wipe(path string, passes int) error {
	if passes <= 0 {
		passes = DefaultPasses
	}
	overwrite(path, passes)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func overwrite(path string, passes int) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}
	size := fi.Size()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for p := 0; p < passes; p++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return
		}
		remaining := size
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err := rand.Read(buf[:n]); err != nil {
				return
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return
			}
			remaining -= n
		}
		if err := f.Sync(); err != nil {
			return
		}
	}
}
