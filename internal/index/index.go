// Package index maintains the encrypted mapping from entry identifiers to
// vault entry metadata. The whole entry set is serialized and sealed as one
// unit, and every persist goes through a write-new-then-rename cycle so a
// torn write never corrupts previously committed entries.
package index

import (
	"encoding/json"
	"errors"
	"os"
	"sort"

	"github.com/google/uuid"

	"usbvault/internal/crypto"
)

var (
	// ErrIndexCorrupt means the on-disk index failed authentication. This is
	// fatal to the unlock session; the vault stays locked.
	ErrIndexCorrupt = errors.New("index: corrupt or wrong key")

	ErrNotFound = errors.New("index: entry not found")
)

// aad binds index ciphertext to its role so an index blob can never be fed
// to the engine as a file payload or vice versa.
var aad = []byte("usbvault/index")

// Entry describes one vault-managed file. The original name exists only
// inside the sealed index blob; on disk the payload is named by ID.
type Entry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	Added    int64  `json:"added"`
	Modified int64  `json:"modified"`
}

// NewID returns a fresh entry identifier, independent of any plaintext name.
func NewID() string { return uuid.NewString() }

type Index struct {
	path    string
	entries map[string]Entry
}

// New returns an empty index that will persist to path.
func New(path string) *Index {
	return &Index{path: path, entries: make(map[string]Entry)}
}

// Load reads and opens the index at path under key. A missing file yields
// an empty index; an authentication or decode failure yields ErrIndexCorrupt.
func Load(path string, key []byte) (*Index, error) {
	ix := New(path)
	ct, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ix, nil
	}
	if err != nil {
		return nil, err
	}
	pt, err := crypto.Open(key, ct, aad)
	if err != nil {
		return nil, ErrIndexCorrupt
	}
	defer crypto.Zero(pt)
	if err := json.Unmarshal(pt, &ix.entries); err != nil {
		return nil, ErrIndexCorrupt
	}
	return ix, nil
}

func (ix *Index) Add(e Entry) { ix.entries[e.ID] = e }

func (ix *Index) Remove(id string) error {
	if _, ok := ix.entries[id]; !ok {
		return ErrNotFound
	}
	delete(ix.entries, id)
	return nil
}

func (ix *Index) Get(id string) (Entry, bool) {
	e, ok := ix.entries[id]
	return e, ok
}

// Entries returns all entries, most recently added first.
func (ix *Index) Entries() []Entry {
	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Added > out[j].Added })
	return out
}

func (ix *Index) Len() int { return len(ix.entries) }

// Clear drops the in-memory entry set. Called on lock.
func (ix *Index) Clear() { ix.entries = make(map[string]Entry) }

// Persist seals the full entry set under key and atomically replaces the
// on-disk index.
func (ix *Index) Persist(key []byte) error {
	pt, err := json.Marshal(ix.entries)
	if err != nil {
		return err
	}
	defer crypto.Zero(pt)
	ct, err := crypto.Seal(key, pt, aad)
	if err != nil {
		return err
	}
	return writeAtomic(ix.path, ct)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
