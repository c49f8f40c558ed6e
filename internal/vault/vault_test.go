package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbvault/internal/audit"
	"usbvault/internal/config"
	"usbvault/internal/crypto"
	"usbvault/internal/index"
	"usbvault/internal/keyfile"
	"usbvault/internal/lockout"
)

const (
	testPassword = "correct-horse"
	testRecovery = "zebra-giraffe-lion"
	testIters    = 1000
)

type fakePresence struct {
	mu      sync.Mutex
	present bool
	ch      chan bool
}

func newFakePresence(present bool) *fakePresence {
	return &fakePresence{present: present, ch: make(chan bool, 1)}
}

func (f *fakePresence) Events() <-chan bool { return f.ch }

func (f *fakePresence) Present() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present
}

func (f *fakePresence) set(p bool) {
	f.mu.Lock()
	f.present = p
	f.mu.Unlock()
	f.ch <- p
}

func testConfig(t *testing.T, autoLockSeconds int) config.Config {
	t.Helper()
	al := autoLockSeconds
	return config.Config{
		VaultDir:          t.TempDir(),
		DevicePath:        t.TempDir(),
		MaxFailedAttempts: 5,
		AutoLockSeconds:   &al,
		LockoutSeconds:    30,
		KDFIterations:     testIters,
	}
}

func newTestVault(t *testing.T, cfg config.Config, pres PresenceSource) *Vault {
	t.Helper()
	master, err := keyfile.Create(cfg.DevicePath, testPassword, testRecovery, cfg.KDFIterations)
	require.NoError(t, err)
	crypto.Zero(master)
	return openTestVault(t, cfg, pres)
}

// openTestVault builds a vault over existing on-disk state, simulating a
// process restart when called a second time with the same config.
func openTestVault(t *testing.T, cfg config.Config, pres PresenceSource) *Vault {
	t.Helper()
	guard := lockout.New(cfg.MaxFailedAttempts, 30*time.Second, nil)
	v, err := New(cfg, guard, audit.NewNop(), pres)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestUnlockLockScenario(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, testConfig(t, 0), nil)

	require.NoError(t, v.Unlock(ctx, testPassword))
	assert.Equal(t, Unlocked, v.State())
	v.Lock()
	assert.Equal(t, Locked, v.State())

	require.NoError(t, v.Unlock(ctx, testRecovery))
	assert.Equal(t, Unlocked, v.State())
	v.Lock()

	for i := 0; i < 5; i++ {
		err := v.Unlock(ctx, "wrong")
		require.ErrorIs(t, err, keyfile.ErrUnlockFailed, "attempt %d", i)
	}

	// Sixth attempt inside the cooldown: rejected before the codec runs,
	// even with the correct credential.
	err := v.Unlock(ctx, testPassword)
	var lo *lockout.LockedOutError
	require.ErrorAs(t, err, &lo)
	assert.Greater(t, lo.Remaining, time.Duration(0))
	assert.Equal(t, Locked, v.State())
}

func TestFailureCounterIncrementsOncePerAttempt(t *testing.T) {
	v := newTestVault(t, testConfig(t, 0), nil)
	require.ErrorIs(t, v.Unlock(context.Background(), "nope"), keyfile.ErrUnlockFailed)
	_, _, failures, _ := v.Status()
	assert.Equal(t, 1, failures)
}

func TestDeviceRemovalLocksVault(t *testing.T) {
	ctx := context.Background()
	pres := newFakePresence(true)
	cfg := testConfig(t, 0)
	v := newTestVault(t, cfg, pres)

	require.NoError(t, v.Unlock(ctx, testPassword))

	src := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(src, []byte("contents"), 0600))
	_, err := v.AddFile(ctx, src, false)
	require.NoError(t, err)

	pres.set(false)
	require.Eventually(t, func() bool { return v.State() == Locked },
		2*time.Second, 10*time.Millisecond, "device removal must lock the vault")

	_, err = v.ListFiles()
	assert.ErrorIs(t, err, ErrNotUnlocked)
	_, err = v.AddFile(ctx, src, false)
	assert.ErrorIs(t, err, ErrNotUnlocked)

	// Fresh successful unlock restores access.
	pres.set(true)
	require.NoError(t, v.Unlock(ctx, testPassword))
	entries, err := v.ListFiles()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAutoLockOnInactivity(t *testing.T) {
	v := newTestVault(t, testConfig(t, 1), nil)
	require.NoError(t, v.Unlock(context.Background(), testPassword))
	require.Eventually(t, func() bool { return v.State() == Locked },
		3*time.Second, 50*time.Millisecond, "inactivity must lock the vault")
}

func TestActivityDefersAutoLock(t *testing.T) {
	v := newTestVault(t, testConfig(t, 1), nil)
	require.NoError(t, v.Unlock(context.Background(), testPassword))
	for i := 0; i < 6; i++ {
		time.Sleep(250 * time.Millisecond)
		v.Activity()
		require.Equal(t, Unlocked, v.State(), "activity must keep the vault open")
	}
}

func TestUnlockAbortedByDeviceRemoval(t *testing.T) {
	pres := newFakePresence(true)
	cfg := testConfig(t, 0)
	cfg.KDFIterations = 2_000_000 // slow enough to cancel mid-derivation
	v := newTestVault(t, cfg, pres)

	errc := make(chan error, 1)
	go func() { errc <- v.Unlock(context.Background(), testPassword) }()
	time.Sleep(50 * time.Millisecond)
	pres.set(false)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(30 * time.Second):
		t.Fatal("aborted unlock did not return")
	}
	assert.Equal(t, Locked, v.State())
	_, _, failures, _ := v.Status()
	assert.Equal(t, 0, failures, "aborted attempt counts as neither success nor failure")
}

func TestIndexCorruptFailsUnlock(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 0)
	v := newTestVault(t, cfg, nil)
	require.NoError(t, v.Unlock(ctx, testPassword))
	src := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0600))
	_, err := v.AddFile(ctx, src, false)
	require.NoError(t, err)
	v.Lock()

	data, err := os.ReadFile(cfg.IndexPath())
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(cfg.IndexPath(), data, 0600))

	err = v.Unlock(ctx, testPassword)
	require.ErrorIs(t, err, index.ErrIndexCorrupt)
	assert.Equal(t, Locked, v.State())
}

func TestRotatePasswordViaRecovery(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, testConfig(t, 0), nil)

	// Forgot the password: unlock with the recovery code, set a new one.
	require.NoError(t, v.Unlock(ctx, testRecovery))
	require.NoError(t, v.RotatePassword("new-password"))
	v.Lock()

	require.ErrorIs(t, v.Unlock(ctx, testPassword), keyfile.ErrUnlockFailed)
	v.guard.RecordSuccess() // clear the deliberate failure above
	require.NoError(t, v.Unlock(ctx, "new-password"))
}

func TestRotatePasswordRequiresUnlock(t *testing.T) {
	v := newTestVault(t, testConfig(t, 0), nil)
	assert.ErrorIs(t, v.RotatePassword("x"), ErrNotUnlocked)
}

func TestConcurrentUnlockRejected(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.KDFIterations = 2_000_000
	v := newTestVault(t, cfg, nil)

	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		close(started)
		errc <- v.Unlock(context.Background(), testPassword)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	err := v.Unlock(context.Background(), testPassword)
	if !errors.Is(err, ErrUnlockInProgress) {
		// The first unlock may already have finished on fast hardware;
		// then the second call is a no-op on an unlocked vault.
		require.NoError(t, err)
	}
	require.NoError(t, <-errc)
}
