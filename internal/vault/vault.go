// Package vault owns the lock state machine. It is the single holder of
// the in-memory master key: the key exists between a successful unlock and
// the next lock event and is zeroed before release. Device-absence and
// inactivity signals are delivered to one control loop, so an external
// interrupt and an in-flight operation never race on shared state.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"usbvault/internal/audit"
	"usbvault/internal/config"
	"usbvault/internal/crypto"
	"usbvault/internal/index"
	"usbvault/internal/keyfile"
	"usbvault/internal/lockout"
	"usbvault/internal/storage"
)

type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

var (
	ErrNotUnlocked      = errors.New("vault: not unlocked")
	ErrUnlockInProgress = errors.New("vault: unlock already in progress")
)

// PresenceSource is the abstract device-presence signal: true while the
// device carrying the key artifact is available.
type PresenceSource interface {
	Events() <-chan bool
	Present() bool
}

type Vault struct {
	cfg   config.Config
	guard *lockout.Guard
	aud   *audit.Log
	pres  PresenceSource
	blobs storage.BlobStore

	mu           sync.Mutex
	state        State
	masterKey    []byte
	indexKey     []byte
	fileKey      []byte
	ix           *index.Index
	unlockCancel context.CancelFunc

	touch    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a locked vault. pres may be nil when no presence monitoring is
// wanted (one-shot command invocations).
func New(cfg config.Config, guard *lockout.Guard, aud *audit.Log, pres PresenceSource) (*Vault, error) {
	if aud == nil {
		aud = audit.NewNop()
	}
	if err := os.MkdirAll(cfg.VaultDir, 0700); err != nil {
		return nil, fmt.Errorf("vault: create vault dir: %w", err)
	}
	v := &Vault{
		cfg:   cfg,
		guard: guard,
		aud:   aud,
		pres:  pres,
		blobs: storage.NewFileBlobStore(cfg.VaultDir, cfg.WipePasses),
		state: Locked,
		touch: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go v.run()
	return v, nil
}

// Close stops the control loop and locks the vault.
func (v *Vault) Close() {
	v.stopOnce.Do(func() { close(v.done) })
	v.Lock()
}

func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// run is the single control loop that arbitrates the two external
// interrupts: device absence and the inactivity deadline. Both reduce to a
// lock command; device absence additionally aborts an in-flight unlock.
func (v *Vault) run() {
	var presEvents <-chan bool
	if v.pres != nil {
		presEvents = v.pres.Events()
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	if v.cfg.AutoLock() > 0 {
		timer = time.NewTimer(v.cfg.AutoLock())
		stopTimer(timer)
		timerC = timer.C
	}

	for {
		select {
		case <-v.done:
			if timer != nil {
				stopTimer(timer)
			}
			return
		case present := <-presEvents:
			if !present {
				v.abortUnlock()
				v.Lock()
			}
		case <-v.touch:
			if timer != nil {
				stopTimer(timer)
				timer.Reset(v.cfg.AutoLock())
			}
		case <-timerC:
			v.Lock()
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Unlock runs the two-factor unlock protocol: lockout check, artifact
// decryption with the supplied credential, subkey derivation, index load.
// A cancelled attempt (device removed mid-derivation) is counted as neither
// success nor failure.
func (v *Vault) Unlock(ctx context.Context, credential string) error {
	v.mu.Lock()
	if v.state == Unlocked {
		v.mu.Unlock()
		v.Activity()
		return nil
	}
	if v.unlockCancel != nil {
		v.mu.Unlock()
		return ErrUnlockInProgress
	}
	if err := v.guard.Check(); err != nil {
		v.mu.Unlock()
		return err
	}
	uctx, cancel := context.WithCancel(ctx)
	v.unlockCancel = cancel
	devicePath := v.cfg.DevicePath
	v.mu.Unlock()

	// Key derivation and device I/O run outside the state lock so the
	// control loop can cancel them.
	master, err := keyfile.Unlock(uctx, devicePath, credential)
	if err == nil && uctx.Err() != nil {
		// Cancelled after the envelope opened: discard the recovered key,
		// count the attempt as neither success nor failure.
		crypto.Zero(master)
		err = uctx.Err()
	}

	v.mu.Lock()
	v.unlockCancel = nil
	cancel()
	if err != nil {
		v.mu.Unlock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if v.guard.RecordFailure() {
			v.aud.Record(audit.LockoutTriggered)
		}
		v.aud.Record(audit.UnlockFailure)
		return err
	}

	indexKey, err := crypto.Subkey(master, crypto.SubkeyIndex)
	if err == nil {
		v.fileKey, err = crypto.Subkey(master, crypto.SubkeyFiles)
	}
	if err != nil {
		crypto.Zero(master)
		v.discardKeysLocked()
		v.mu.Unlock()
		return err
	}

	ix, err := index.Load(v.cfg.IndexPath(), indexKey)
	if err != nil {
		crypto.Zero(master)
		crypto.Zero(indexKey)
		v.discardKeysLocked()
		v.mu.Unlock()
		// The credential was right but the vault cannot be opened; the
		// attempt fails and the vault stays locked.
		v.aud.Record(audit.UnlockFailure)
		return err
	}

	_ = crypto.LockMemory(master)
	v.masterKey = master
	v.indexKey = indexKey
	v.ix = ix
	v.state = Unlocked
	v.mu.Unlock()

	v.guard.RecordSuccess()
	v.aud.Record(audit.UnlockSuccess)
	v.Activity()
	return nil
}

// Lock transitions to Locked from any state. The master key and derived
// subkeys are zeroed before the references are dropped; the decrypted
// index is discarded.
func (v *Vault) Lock() {
	v.mu.Lock()
	if v.state != Unlocked {
		v.mu.Unlock()
		return
	}
	v.state = Locked
	if v.masterKey != nil {
		_ = crypto.UnlockMemory(v.masterKey)
	}
	v.discardKeysLocked()
	if v.ix != nil {
		v.ix.Clear()
		v.ix = nil
	}
	v.mu.Unlock()
	v.aud.Record(audit.VaultLocked)
}

// Activity re-arms the inactivity timer. Every successful file operation
// calls it; callers may also call it directly on user interaction.
func (v *Vault) Activity() {
	select {
	case v.touch <- struct{}{}:
	default:
	}
}

// RotatePassword re-wraps the artifact's password envelope. It needs the
// vault unlocked, which is exactly what lets a recovery-code unlock set a
// new password without knowing the old one.
func (v *Vault) RotatePassword(newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Unlocked {
		return ErrNotUnlocked
	}
	return keyfile.RotatePassword(v.cfg.DevicePath, v.masterKey, newPassword)
}

// Status reports the lock state, entry count (zero while locked) and the
// lockout guard's view.
func (v *Vault) Status() (state State, entries int, failures int, cooldown time.Duration) {
	v.mu.Lock()
	state = v.state
	if v.ix != nil {
		entries = v.ix.Len()
	}
	v.mu.Unlock()
	failures, cooldown = v.guard.Status()
	return state, entries, failures, cooldown
}

func (v *Vault) abortUnlock() {
	v.mu.Lock()
	cancel := v.unlockCancel
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// discardKeysLocked zeroes and drops all key material. Caller holds v.mu.
func (v *Vault) discardKeysLocked() {
	for _, k := range [][]byte{v.masterKey, v.indexKey, v.fileKey} {
		crypto.Zero(k)
	}
	v.masterKey, v.indexKey, v.fileKey = nil, nil, nil
}
