// Package crypto seals and opens configuration secrets such as the
// Brain/Gateway signing secret, so they never sit in plain text on disk.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	KeySize   = 32
	NonceSize = 12

	sealedPrefix = "ENC[v"
)

var (
	ErrInvalidKey    = errors.New("crypto: key must be 32 bytes")
	ErrNotSealed     = errors.New("crypto: value is not sealed")
	ErrOpenFailed    = errors.New("crypto: open failed")
	ErrKeyNotLoaded  = errors.New("crypto: no key for version")
	ErrEmptyKeyChain = errors.New("crypto: key chain is empty")
)

// Sealer encrypts values with AES-256-GCM under one key version.
// Output format: ENC[v<version>]:base64(nonce|ciphertext|tag).
type Sealer struct {
	aead    cipher.AEAD
	version int
}

// NewSealer builds a Sealer for a 32-byte key.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Sealer{aead: aead, version: version}, nil
}

// Version reports the key version this sealer writes.
func (s *Sealer) Version() int { return s.version }

// Seal encrypts plaintext with a fresh random nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", s.version, base64.StdEncoding.EncodeToString(out)), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	_, payload, err := split(sealed)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("crypto: base64: %w", err)
	}
	if len(data) < NonceSize+s.aead.Overhead() {
		return "", ErrOpenFailed
	}
	plain, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// IsSealed reports whether v carries the ENC[vN]: prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// Version extracts the key version from a sealed value, or 0.
func Version(sealed string) int {
	v, _, err := split(sealed)
	if err != nil {
		return 0
	}
	return v
}

func split(sealed string) (int, string, error) {
	if !IsSealed(sealed) {
		return 0, "", ErrNotSealed
	}
	end := strings.Index(sealed, "]:")
	if end == -1 {
		return 0, "", ErrNotSealed
	}
	var version int
	if _, err := fmt.Sscanf(sealed[len(sealedPrefix):end], "%d", &version); err != nil || version <= 0 {
		return 0, "", ErrNotSealed
	}
	return version, sealed[end+2:], nil
}

// KeyChain opens values sealed under any loaded key version.
type KeyChain struct {
	sealers map[int]*Sealer
	current int
}

// LoadKeyChain reads base64 keys from <prefix>, <prefix>_V2 ... <prefix>_V9.
// The highest version present becomes the sealing version.
func LoadKeyChain(prefix string) (*KeyChain, error) {
	kc := &KeyChain{sealers: make(map[int]*Sealer)}
	for v := 1; v <= 9; v++ {
		name := prefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode %s: %w", name, err)
		}
		s, err := NewSealer(key, v)
		if err != nil {
			return nil, fmt.Errorf("crypto: %s: %w", name, err)
		}
		kc.sealers[v] = s
		kc.current = v
	}
	if len(kc.sealers) == 0 {
		return nil, ErrEmptyKeyChain
	}
	return kc, nil
}

// Seal encrypts with the newest key.
func (kc *KeyChain) Seal(plaintext string) (string, error) {
	return kc.sealers[kc.current].Seal(plaintext)
}

// Open picks the key matching the value's version.
func (kc *KeyChain) Open(sealed string) (string, error) {
	s, ok := kc.sealers[Version(sealed)]
	if !ok {
		if !IsSealed(sealed) {
			return "", ErrNotSealed
		}
		return "", ErrKeyNotLoaded
	}
	return s.Open(sealed)
}

// Reveal returns v unchanged when it is plain text and opens it otherwise.
func Reveal(v, keyEnvPrefix string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	kc, err := LoadKeyChain(keyEnvPrefix)
	if err != nil {
		return "", err
	}
	return kc.Open(v)
}
