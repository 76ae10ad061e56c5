// Package msgcrypto implements the authenticated encryption routines for
// binary attachments and short profile fields.
//
// Attachments use AES-256-CBC with an HMAC-SHA256 over iv‖ciphertext and an
// outer digest binding the whole blob. Two digest algorithms are supported
// for wire compatibility: the legacy 16-byte MD5 and the 32-byte SHA-256.
// On decrypt the MAC is verified in constant time before any decryption is
// attempted, and the digest is selected by the length of the caller-supplied
// value.
//
// All routines are pure functions over their inputs and safe to invoke
// concurrently.
package msgcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key material layout: aesKey (32B) ‖ macKey (32B).
const (
	KeyMaterialSize = 64
	AttachmentIVLen = 16
	macLen          = sha256.Size

	// DigestLenLegacy selects the legacy MD5 digest, DigestLenStrong SHA-256.
	DigestLenLegacy = md5.Size
	DigestLenStrong = sha256.Size

	// minEncryptedLen is iv + mac; anything shorter cannot carry a payload.
	minEncryptedLen = AttachmentIVLen + macLen
)

// Validation errors: malformed inputs, rejected before any crypto runs.
var (
	ErrInvalidKeyLength    = errors.New("key material must be 64 bytes")
	ErrInvalidIVLength     = errors.New("attachment iv must be 16 bytes")
	ErrInvalidDigestLength = errors.New("digest length must be 16 or 32 bytes")
	ErrCiphertextTooShort  = errors.New("encrypted attachment too short")
	ErrBadPadding          = errors.New("invalid block padding")
)

// Integrity errors: verification failed, the payload must not be used.
var (
	// ErrMACMismatch means the HMAC over iv‖ciphertext did not verify.
	ErrMACMismatch = errors.New("attachment mac verification failed")
	// ErrDigestMismatch means the outer digest did not match the sender's.
	ErrDigestMismatch = errors.New("attachment digest verification failed")
	// ErrDigestMissing means no sender digest was supplied at all; the
	// attachment cannot be integrity-bound and must be re-sent.
	ErrDigestMissing = errors.New("attachment digest missing, resend required")
)

// EncryptedAttachment is the result of EncryptAttachment: the combined
// iv‖ciphertext‖mac blob and the digest over it.
type EncryptedAttachment struct {
	Ciphertext []byte
	Digest     []byte
}

// EncryptAttachment encrypts plaintext with the 64-byte key material and
// 16-byte iv. digestLen selects the outer digest: 16 for the legacy
// algorithm, 32 for the strong one.
func EncryptAttachment(plaintext, keyMaterial, iv []byte, digestLen int) (*EncryptedAttachment, error) {
	if len(keyMaterial) != KeyMaterialSize {
		return nil, ErrInvalidKeyLength
	}
	if len(iv) != AttachmentIVLen {
		return nil, ErrInvalidIVLength
	}
	digestFn, err := digestByLength(digestLen)
	if err != nil {
		return nil, err
	}
	aesKey, macKey := keyMaterial[:32], keyMaterial[32:]

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ct)

	combined := make([]byte, 0, len(iv)+len(ct)+macLen)
	combined = append(combined, iv...)
	combined = append(combined, ct...)
	combined = append(combined, mac.Sum(nil)...)

	return &EncryptedAttachment{
		Ciphertext: combined,
		Digest:     digestFn(combined),
	}, nil
}

// DecryptAttachment verifies and decrypts an iv‖ciphertext‖mac blob.
// theirDigest selects the digest algorithm by its own length (16 legacy,
// 32 strong, anything else treated as strong); when absent the attachment is
// rejected outright with ErrDigestMissing. MAC and digest are both verified
// before decryption starts.
func DecryptAttachment(encrypted, keyMaterial, theirDigest []byte) ([]byte, error) {
	if len(keyMaterial) != KeyMaterialSize {
		return nil, ErrInvalidKeyLength
	}
	if len(encrypted) < minEncryptedLen {
		return nil, ErrCiphertextTooShort
	}
	if len(theirDigest) == 0 {
		return nil, ErrDigestMissing
	}
	aesKey, macKey := keyMaterial[:32], keyMaterial[32:]

	iv := encrypted[:AttachmentIVLen]
	ct := encrypted[AttachmentIVLen : len(encrypted)-macLen]
	theirMAC := encrypted[len(encrypted)-macLen:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ct)
	if subtle.ConstantTimeCompare(mac.Sum(nil), theirMAC) != 1 {
		return nil, ErrMACMismatch
	}

	digestFn := sha256Digest
	if len(theirDigest) == DigestLenLegacy {
		digestFn = md5Digest
	}
	ours := digestFn(encrypted)
	if subtle.ConstantTimeCompare(ours, theirDigest) != 1 {
		return nil, ErrDigestMismatch
	}

	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrCiphertextTooShort
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt, aes.BlockSize)
}

// DeriveAttachmentKeys expands a 32-byte master secret into 64 bytes of
// attachment key material (aesKey‖macKey) with HKDF-SHA256.
func DeriveAttachmentKeys(master []byte, info string) ([]byte, error) {
	if len(master) != 32 {
		return nil, ErrInvalidKeyLength
	}
	out := make([]byte, KeyMaterialSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive key material: %w", err)
	}
	return out, nil
}

// digestByLength maps a requested digest length to its algorithm.
func digestByLength(n int) (func([]byte) []byte, error) {
	switch n {
	case DigestLenLegacy:
		return md5Digest, nil
	case DigestLenStrong:
		return sha256Digest, nil
	default:
		return nil, ErrInvalidDigestLength
	}
}

func md5Digest(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}

func sha256Digest(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// pkcs7Pad appends PKCS#7 padding up to blockSize.
func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad strips and validates PKCS#7 padding.
func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
