package storage

import (
	"context"
	"os"
	"path/filepath"

	"usbvault/internal/wipe"
)

// FileBlobStore keeps one <id>.enc file per entry inside the vault
// directory. Deletes overwrite the ciphertext before unlinking.
type FileBlobStore struct {
	dir    string
	passes int
}

func NewFileBlobStore(dir string, wipePasses int) *FileBlobStore {
	_ = os.MkdirAll(dir, 0700)
	return &FileBlobStore{dir: dir, passes: wipePasses}
}

func (f *FileBlobStore) path(id string) string {
	return filepath.Join(f.dir, id+".enc")
}

func (f *FileBlobStore) Put(_ context.Context, id string, data []byte) error {
	return os.WriteFile(f.path(id), data, 0600)
}

func (f *FileBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	b, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (f *FileBlobStore) Delete(_ context.Context, id string) error {
	return wipe.Wipe(f.path(id), f.passes)
}
