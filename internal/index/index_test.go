package index

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return key
}

func TestLoadMissingYieldsEmpty(t *testing.T) {
	ix, err := Load(filepath.Join(t.TempDir(), "vault.idx"), testKey(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ix.Len() != 0 {
		t.Fatalf("len = %d, want 0", ix.Len())
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	key := testKey(t)
	path := filepath.Join(t.TempDir(), "vault.idx")
	ix := New(path)
	now := time.Now().Unix()
	a := Entry{ID: NewID(), Name: "report.pdf", Size: 1024, SHA256: "aa", Added: now, Modified: now}
	b := Entry{ID: NewID(), Name: "notes.txt", Size: 7, SHA256: "bb", Added: now + 1, Modified: now + 1}
	ix.Add(a)
	ix.Add(b)
	if err := ix.Persist(key); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// Simulates a process restart.
	got, err := Load(path, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("len = %d, want 2", got.Len())
	}
	ga, ok := got.Get(a.ID)
	if !ok || ga != a {
		t.Fatalf("entry a mismatch: %+v", ga)
	}
	entries := got.Entries()
	if entries[0].ID != b.ID {
		t.Fatal("entries must be sorted most recent first")
	}
}

func TestLoadWrongKeyIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.idx")
	ix := New(path)
	ix.Add(Entry{ID: NewID(), Name: "a"})
	if err := ix.Persist(testKey(t)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := Load(path, testKey(t)); err != ErrIndexCorrupt {
		t.Fatalf("err = %v, want ErrIndexCorrupt", err)
	}
}

func TestLoadTamperedIsCorrupt(t *testing.T) {
	key := testKey(t)
	path := filepath.Join(t.TempDir(), "vault.idx")
	ix := New(path)
	ix.Add(Entry{ID: NewID(), Name: "a"})
	if err := ix.Persist(key); err != nil {
		t.Fatalf("persist: %v", err)
	}
	data, _ := os.ReadFile(path)
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path, key); err != ErrIndexCorrupt {
		t.Fatalf("err = %v, want ErrIndexCorrupt", err)
	}
}

func TestIndexNeverPersistedInClear(t *testing.T) {
	key := testKey(t)
	path := filepath.Join(t.TempDir(), "vault.idx")
	ix := New(path)
	ix.Add(Entry{ID: NewID(), Name: "very-secret-filename.doc"})
	if err := ix.Persist(key); err != nil {
		t.Fatalf("persist: %v", err)
	}
	data, _ := os.ReadFile(path)
	if bytes.Contains(data, []byte("very-secret-filename")) {
		t.Fatal("plaintext filename leaked into on-disk index")
	}
}

func TestRemove(t *testing.T) {
	ix := New(filepath.Join(t.TempDir(), "vault.idx"))
	e := Entry{ID: NewID(), Name: "gone.txt"}
	ix.Add(e)
	if err := ix.Remove(e.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := ix.Remove(e.ID); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPersistReplacesAtomically(t *testing.T) {
	key := testKey(t)
	path := filepath.Join(t.TempDir(), "vault.idx")
	ix := New(path)
	ix.Add(Entry{ID: NewID(), Name: "first"})
	if err := ix.Persist(key); err != nil {
		t.Fatalf("persist: %v", err)
	}
	ix.Add(Entry{ID: NewID(), Name: "second"})
	if err := ix.Persist(key); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary index file left behind")
	}
	got, err := Load(path, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("len = %d, want 2", got.Len())
	}
}

