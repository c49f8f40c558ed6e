package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"usbvault/internal/audit"
	"usbvault/internal/crypto"
	"usbvault/internal/index"
	"usbvault/internal/storage"
	"usbvault/internal/wipe"
)

// AddFile encrypts sourcePath into the vault and commits the new entry.
// The blob is stored before the index is persisted; if persisting fails
// the blob is deleted again, so prior state is untouched. With wipeOriginal
// the source file is best-effort overwritten and removed after commit.
func (v *Vault) AddFile(ctx context.Context, sourcePath string, wipeOriginal bool) (index.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Unlocked {
		return index.Entry{}, ErrNotUnlocked
	}
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}

	pt, err := os.ReadFile(sourcePath)
	if err != nil {
		return index.Entry{}, fmt.Errorf("vault: read source: %w", err)
	}
	defer crypto.Zero(pt)

	sum := sha256.Sum256(pt)
	id := index.NewID()
	ct, err := crypto.Seal(v.fileKey, pt, []byte("file:"+id))
	if err != nil {
		return index.Entry{}, err
	}

	if err := v.blobs.Put(ctx, id, ct); err != nil {
		return index.Entry{}, fmt.Errorf("vault: store blob: %w", err)
	}

	now := time.Now().Unix()
	entry := index.Entry{
		ID:       id,
		Name:     filepath.Base(sourcePath),
		Size:     int64(len(pt)),
		SHA256:   hex.EncodeToString(sum[:]),
		Added:    now,
		Modified: now,
	}
	v.ix.Add(entry)
	if err := v.ix.Persist(v.indexKey); err != nil {
		v.ix.Remove(id)
		_ = v.blobs.Delete(ctx, id)
		return index.Entry{}, err
	}

	if wipeOriginal {
		// Best effort; the entry is already committed either way.
		_ = wipe.Wipe(sourcePath, v.cfg.WipePasses)
	}

	v.aud.Record(audit.FileAdded)
	v.Activity()
	return entry, nil
}

// ExtractFile decrypts an entry into destDir, verifying the stored SHA-256
// before anything is written. Name collisions in destDir are resolved with
// a numeric suffix. Returns the written path.
func (v *Vault) ExtractFile(ctx context.Context, id, destDir string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Unlocked {
		return "", ErrNotUnlocked
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	entry, ok := v.ix.Get(id)
	if !ok {
		return "", index.ErrNotFound
	}
	ct, err := v.blobs.Get(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return "", fmt.Errorf("vault: blob missing for entry %s", id)
		}
		return "", fmt.Errorf("vault: read blob: %w", err)
	}
	pt, err := crypto.Open(v.fileKey, ct, []byte("file:"+id))
	if err != nil {
		return "", err
	}
	defer crypto.Zero(pt)

	sum := sha256.Sum256(pt)
	if hex.EncodeToString(sum[:]) != entry.SHA256 {
		return "", fmt.Errorf("vault: integrity check failed for entry %s", id)
	}

	out := collisionFree(destDir, entry.Name)
	if err := os.WriteFile(out, pt, 0600); err != nil {
		return "", fmt.Errorf("vault: write output: %w", err)
	}

	v.aud.Record(audit.FileExtracted)
	v.Activity()
	return out, nil
}

// DeleteFile wipes the payload blob and then removes the index entry. The
// entry is only dropped once the wipe-and-remove step reported success, so
// a failed removal never leaves the index claiming the blob is gone.
func (v *Vault) DeleteFile(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Unlocked {
		return ErrNotUnlocked
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := v.ix.Get(id); !ok {
		return index.ErrNotFound
	}
	if err := v.blobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("vault: wipe blob: %w", err)
	}
	v.ix.Remove(id)
	if err := v.ix.Persist(v.indexKey); err != nil {
		return err
	}

	v.aud.Record(audit.FileDeleted)
	v.Activity()
	return nil
}

// ListFiles returns the entry set, most recently added first.
func (v *Vault) ListFiles() ([]index.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Unlocked {
		return nil, ErrNotUnlocked
	}
	v.Activity()
	return v.ix.Entries(), nil
}

func collisionFree(dir, name string) string {
	out := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		if _, err := os.Stat(out); os.IsNotExist(err) {
			return out
		}
		out = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
}
