package audit

import (
	"bytes"
	"strings"
	"testing"
)

func TestChainVerify(t *testing.T) {
	l := NewNop()
	l.Record(UnlockFailure)
	l.Record(UnlockFailure)
	l.Record(LockoutTriggered)
	if err := l.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestChainDetectsTamper(t *testing.T) {
	l := NewNop()
	l.Record(UnlockSuccess)
	l.Record(FileAdded)
	l.entries[0].Kind = FileDeleted
	if err := l.Verify(); err == nil {
		t.Fatal("expected chain verification to fail after tamper")
	}
}

func TestRecordWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Record(VaultLocked)
	out := buf.String()
	if !strings.Contains(out, string(VaultLocked)) {
		t.Fatalf("output missing event kind: %q", out)
	}
	if !strings.Contains(out, "hash") {
		t.Fatalf("output missing chain hash: %q", out)
	}
}
