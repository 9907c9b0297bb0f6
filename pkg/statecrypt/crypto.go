// Package statecrypt provides the authenticated encryption envelope used
// for workflow state at rest and for sensitive fields held in memory.
package statecrypt

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// ErrStateCorrupted indicates a blob failed authentication: tampered
// ciphertext, a mangled envelope, or the wrong key. Decryption never
// returns partial plaintext.
var ErrStateCorrupted = errors.New("state corrupted")

const (
	algorithm = "aes-256-gcm"
	ivSize    = 16
	tagSize   = 16

	// Payloads above this serialized size are gzipped before encryption.
	compressThreshold = 1024

	// Additional authenticated data binding every blob to this application.
	additionalData = "castellan-state-v1"

	kdfIterations = 100_000
	kdfKeyLen     = 32
)

// kdfSalt is fixed so the same key material always derives the same
// cipher key. The expense of the derivation is the point, not the salt.
var kdfSalt = []byte("castellan-kdf-salt")

// EncryptedBlob is the at-rest envelope for any opaque payload.
type EncryptedBlob struct {
	IV         string `json:"iv"`
	Encrypted  string `json:"encrypted"`
	AuthTag    string `json:"authTag"`
	Algorithm  string `json:"algorithm"`
	Compressed bool   `json:"compressed"`
	Timestamp  int64  `json:"timestamp"`
}

// DeriveKey stretches raw key material into the cipher key via PBKDF2.
// A read of the key file alone is not enough to decrypt state without
// also running the derivation.
func DeriveKey(material []byte) []byte {
	return pbkdf2.Key(material, kdfSalt, kdfIterations, kdfKeyLen, sha256.New)
}

// Cipher encrypts and decrypts payloads with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from raw key material. The material is run
// through DeriveKey; it is never used as the AES key directly.
func NewCipher(material []byte) (*Cipher, error) {
	block, err := aes.NewCipher(DeriveKey(material))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// NewCipherFromKeyFile loads (or creates) key material at path and
// builds a Cipher from it.
func NewCipherFromKeyFile(path string) (*Cipher, error) {
	material, err := LoadOrCreateKeyMaterial(path)
	if err != nil {
		return nil, err
	}

	return NewCipher(material)
}

// Encrypt serializes payload to JSON, compresses it above the 1KB
// threshold, and seals it into an EncryptedBlob.
func (c *Cipher) Encrypt(payload any) (*EncryptedBlob, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	compressed := false

	if len(plain) > compressThreshold {
		var buf bytes.Buffer

		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(plain); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}

		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}

		plain = buf.Bytes()
		compressed = true
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plain, []byte(additionalData))
	split := len(sealed) - tagSize

	return &EncryptedBlob{
		IV:         hex.EncodeToString(iv),
		Encrypted:  hex.EncodeToString(sealed[:split]),
		AuthTag:    hex.EncodeToString(sealed[split:]),
		Algorithm:  algorithm,
		Compressed: compressed,
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// Decrypt opens a blob and returns the serialized payload. Any
// authentication or envelope failure reports ErrStateCorrupted.
func (c *Cipher) Decrypt(blob *EncryptedBlob) ([]byte, error) {
	if blob == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrStateCorrupted)
	}

	if blob.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrStateCorrupted, blob.Algorithm)
	}

	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: malformed IV", ErrStateCorrupted)
	}

	ciphertext, err := hex.DecodeString(blob.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrStateCorrupted)
	}

	tag, err := hex.DecodeString(blob.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed auth tag", ErrStateCorrupted)
	}

	plain, err := c.aead.Open(nil, iv, append(ciphertext, tag...), []byte(additionalData))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrStateCorrupted)
	}

	if blob.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(plain))
		if err != nil {
			return nil, fmt.Errorf("%w: malformed compressed payload", ErrStateCorrupted)
		}

		plain, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed compressed payload", ErrStateCorrupted)
		}
	}

	return plain, nil
}

// DecryptInto opens a blob and unmarshals the payload into out.
func (c *Cipher) DecryptInto(blob *EncryptedBlob, out any) error {
	plain, err := c.Decrypt(blob)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON", ErrStateCorrupted)
	}

	return nil
}
