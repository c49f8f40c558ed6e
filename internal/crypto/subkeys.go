package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Subkey labels. Each label expands the master key into an independent
// key via HKDF-SHA256, so index and payload ciphertexts never share a key.
const (
	SubkeyIndex = "usbvault/index/v1"
	SubkeyFiles = "usbvault/files/v1"
)

func Subkey(masterKey []byte, label string) ([]byte, error) {
	out := make([]byte, KeySize)
	stream := hkdf.New(sha256.New, masterKey, nil, []byte(label))
	if _, err := io.ReadFull(stream, out); err != nil {
		return nil, err
	}
	return out, nil
}
