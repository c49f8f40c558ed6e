// Package keyfile reads and writes the encrypted master-key artifact kept
// on the removable device. The artifact holds two independently decryptable
// envelopes, one wrapped by the password and one by the recovery code, so
// either credential alone recovers the master key. Without the artifact the
// credentials reveal nothing; without a credential the artifact reveals
// nothing.
package keyfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"usbvault/internal/crypto"
)

// ArtifactName is the artifact's filename at the root of the device.
const ArtifactName = ".vault.key"

const (
	formatVersion  = 1
	payloadVersion = 1

	// magic(4) || format version(1) || kdf iterations(4)
	headerSize = 4 + 1 + 4
)

var magic = []byte("UVLT")

// ErrUnlockFailed is the single error returned for every unlock failure:
// missing device, corrupt or foreign artifact, or wrong credential. The
// caller must not be able to tell which one occurred.
var ErrUnlockFailed = errors.New("keyfile: unlock failed")

var errMalformed = errors.New("keyfile: malformed artifact")

// DeviceWriteError reports an I/O failure while writing the artifact.
// Removable-media writes are not retried automatically.
type DeviceWriteError struct {
	Path string
	Err  error
}

func (e *DeviceWriteError) Error() string {
	return fmt.Sprintf("keyfile: write %s: %v", e.Path, e.Err)
}

func (e *DeviceWriteError) Unwrap() error { return e.Err }

// DeviceReadError reports an I/O failure while reading the artifact during
// an operation that is allowed to distinguish read failures (rotation).
type DeviceReadError struct {
	Path string
	Err  error
}

func (e *DeviceReadError) Error() string {
	return fmt.Sprintf("keyfile: read %s: %v", e.Path, e.Err)
}

func (e *DeviceReadError) Unwrap() error { return e.Err }

type envelope struct {
	salt []byte
	ct   []byte
}

type artifact struct {
	iterations int
	password   envelope
	recovery   envelope
}

// Create generates a fresh random master key, wraps it under keys derived
// from password and recoveryKey with independent salts, and atomically
// writes the artifact to the device. It returns the master key so the
// caller can initialize vault state without a second derivation; the caller
// owns the returned slice and must Zero it.
func Create(devicePath, password, recoveryKey string, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = crypto.DefaultIterations
	}
	master, err := crypto.NewMasterKey()
	if err != nil {
		return nil, err
	}
	pw, err := sealEnvelope(master, password, iterations)
	if err != nil {
		crypto.Zero(master)
		return nil, err
	}
	rec, err := sealEnvelope(master, recoveryKey, iterations)
	if err != nil {
		crypto.Zero(master)
		return nil, err
	}
	path := filepath.Join(devicePath, ArtifactName)
	blob := encode(artifact{iterations: iterations, password: pw, recovery: rec})
	if err := writeAtomic(path, blob); err != nil {
		crypto.Zero(master)
		return nil, &DeviceWriteError{Path: path, Err: err}
	}
	return master, nil
}

// Unlock reads the artifact, derives a wrapping key from credential with
// each stored salt, and attempts authenticated decryption against both
// envelopes in a fixed, credential-independent order: password envelope
// first, then recovery. Every failure mode collapses into ErrUnlockFailed.
// A cancelled ctx aborts between derivation steps and returns ctx.Err().
func Unlock(ctx context.Context, devicePath, credential string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(devicePath, ArtifactName))
	if err != nil {
		return nil, ErrUnlockFailed
	}
	art, err := parse(data)
	if err != nil {
		return nil, ErrUnlockFailed
	}
	for _, env := range []envelope{art.password, art.recovery} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if master, ok := openEnvelope(env, credential, art.iterations); ok {
			return master, nil
		}
	}
	return nil, ErrUnlockFailed
}

// RotatePassword re-wraps only the password envelope under newPassword with
// a fresh salt, leaving the recovery envelope untouched. It requires the
// master key already in hand, so a forgotten password can be rotated after
// a recovery-code unlock.
func RotatePassword(devicePath string, masterKey []byte, newPassword string) error {
	if len(masterKey) != crypto.KeySize {
		return fmt.Errorf("keyfile: master key must be %d bytes", crypto.KeySize)
	}
	path := filepath.Join(devicePath, ArtifactName)
	data, err := os.ReadFile(path)
	if err != nil {
		return &DeviceReadError{Path: path, Err: err}
	}
	art, err := parse(data)
	if err != nil {
		return &DeviceReadError{Path: path, Err: err}
	}
	pw, err := sealEnvelope(masterKey, newPassword, art.iterations)
	if err != nil {
		return err
	}
	art.password = pw
	if err := writeAtomic(path, encode(art)); err != nil {
		return &DeviceWriteError{Path: path, Err: err}
	}
	return nil
}

// Exists reports whether an artifact is present at the device root.
func Exists(devicePath string) bool {
	_, err := os.Stat(filepath.Join(devicePath, ArtifactName))
	return err == nil
}

func sealEnvelope(master []byte, secret string, iterations int) (envelope, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return envelope{}, err
	}
	wrap := crypto.Derive(secret, salt, iterations)
	defer crypto.Zero(wrap)

	payload := make([]byte, 0, 1+len(master))
	payload = append(payload, payloadVersion)
	payload = append(payload, master...)
	defer crypto.Zero(payload)

	// The envelope's own salt doubles as AAD, binding ciphertext to salt.
	ct, err := crypto.Seal(wrap, payload, salt)
	if err != nil {
		return envelope{}, err
	}
	return envelope{salt: salt, ct: ct}, nil
}

func openEnvelope(env envelope, credential string, iterations int) ([]byte, bool) {
	wrap := crypto.Derive(credential, env.salt, iterations)
	defer crypto.Zero(wrap)

	payload, err := crypto.Open(wrap, env.ct, env.salt)
	if err != nil {
		return nil, false
	}
	defer crypto.Zero(payload)
	if len(payload) != 1+crypto.KeySize || payload[0] != payloadVersion {
		return nil, false
	}
	return append([]byte(nil), payload[1:]...), true
}

func encode(a artifact) []byte {
	size := headerSize
	for _, env := range []envelope{a.password, a.recovery} {
		size += len(env.salt) + 4 + len(env.ct)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, magic...)
	buf = append(buf, formatVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(a.iterations))
	for _, env := range []envelope{a.password, a.recovery} {
		buf = append(buf, env.salt...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.ct)))
		buf = append(buf, env.ct...)
	}
	return buf
}

func parse(data []byte) (artifact, error) {
	var a artifact
	if len(data) < headerSize || !bytes.Equal(data[:4], magic) || data[4] != formatVersion {
		return a, errMalformed
	}
	a.iterations = int(binary.BigEndian.Uint32(data[5:headerSize]))
	rest := data[headerSize:]
	for i := 0; i < 2; i++ {
		if len(rest) < crypto.SaltSize+4 {
			return a, errMalformed
		}
		salt := append([]byte(nil), rest[:crypto.SaltSize]...)
		n := int(binary.BigEndian.Uint32(rest[crypto.SaltSize : crypto.SaltSize+4]))
		rest = rest[crypto.SaltSize+4:]
		if n < 0 || len(rest) < n {
			return a, errMalformed
		}
		env := envelope{salt: salt, ct: append([]byte(nil), rest[:n]...)}
		rest = rest[n:]
		if i == 0 {
			a.password = env
		} else {
			a.recovery = env
		}
	}
	if len(rest) != 0 {
		return a, errMalformed
	}
	return a, nil
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
