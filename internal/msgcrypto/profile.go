// Package msgcrypto – profile cipher
//
// Profile fields use AES-256-GCM with a 12-byte nonce and the full 128-bit
// tag. A tag mismatch on decrypt is remapped to ErrProfileDecrypt so callers
// can distinguish "the profile key probably rotated" from malformed input.
package msgcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

const (
	// ProfileKeySize is the AES-256 key length for profile fields.
	ProfileKeySize = 32
	// ProfileIVLen is the GCM nonce length.
	ProfileIVLen = 12
	// profileNamePadded is the fixed padded length of an encrypted profile
	// name; names longer than this are rejected.
	profileNamePadded = 26
)

var (
	// ErrInvalidProfileKey means the profile key is not 32 bytes.
	ErrInvalidProfileKey = errors.New("profile key must be 32 bytes")
	// ErrInvalidProfileIV means the nonce is not 12 bytes.
	ErrInvalidProfileIV = errors.New("profile iv must be 12 bytes")
	// ErrProfileDecrypt means GCM authentication failed; the profile key has
	// likely been rotated and the profile must be re-fetched.
	ErrProfileDecrypt = errors.New("profile decrypt failed")
	// ErrProfileNameTooLong means the name exceeds the fixed padded length.
	ErrProfileNameTooLong = errors.New("profile name too long")
)

// EncryptProfile seals a profile field with AES-256-GCM. The nonce is
// prepended to the returned blob.
func EncryptProfile(plaintext, key, iv []byte) ([]byte, error) {
	aead, err := profileAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ProfileIVLen {
		return nil, ErrInvalidProfileIV
	}
	return append(append([]byte{}, iv...), aead.Seal(nil, iv, plaintext, nil)...), nil
}

// DecryptProfile opens a nonce-prefixed AES-256-GCM blob. Authentication
// failure surfaces as ErrProfileDecrypt.
func DecryptProfile(sealed, key []byte) ([]byte, error) {
	aead, err := profileAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < ProfileIVLen+aead.Overhead() {
		return nil, ErrProfileDecrypt
	}
	pt, err := aead.Open(nil, sealed[:ProfileIVLen], sealed[ProfileIVLen:], nil)
	if err != nil {
		return nil, ErrProfileDecrypt
	}
	return pt, nil
}

// EncryptProfileName NFC-normalizes name, zero-pads it to the fixed length,
// and seals it with AES-256-GCM. Fixed-length padding keeps name lengths
// from leaking through ciphertext size.
func EncryptProfileName(name string, key, iv []byte) ([]byte, error) {
	normalized := norm.NFC.String(name)
	if len(normalized) > profileNamePadded {
		return nil, ErrProfileNameTooLong
	}
	padded := make([]byte, profileNamePadded)
	copy(padded, normalized)
	return EncryptProfile(padded, key, iv)
}

// DecryptProfileName opens a sealed profile name and strips the trailing zero
// padding. A name whose plaintext legitimately ends in zero bytes is
// ambiguous under this scheme; the padding carries no length prefix.
func DecryptProfileName(sealed, key []byte) (string, error) {
	padded, err := DecryptProfile(sealed, key)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(padded, "\x00")), nil
}

// profileAEAD builds the GCM AEAD for a profile key.
func profileAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != ProfileKeySize {
		return nil, ErrInvalidProfileKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
