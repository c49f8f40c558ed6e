package wipe

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWipeRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.bin")
	if err := os.WriteFile(path, make([]byte, 200_000), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Wipe(path, 2); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still exists after wipe")
	}
}

func TestWipeMissingFileIsNotAnError(t *testing.T) {
	if err := Wipe(filepath.Join(t.TempDir(), "never-existed"), 1); err != nil {
		t.Fatalf("wipe of missing file: %v", err)
	}
}

func TestWipeEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Wipe(path, 0); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still exists after wipe")
	}
}
