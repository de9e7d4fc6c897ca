package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound    = errors.New("encryption key not found")
	ErrKeyNotLoaded   = errors.New("key manager not initialized")
	ErrVersionMissing = errors.New("key version not configured")
)

const maxKeyVersions = 10

// KeyManager manages master keys for multiple versions.
// The latest configured version encrypts; any loaded version decrypts.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	keys       map[int][]byte
	encryptors map[int]*Encryptor
}

// NewKeyManager loads keys from environment variables:
//   - MASTER_ENCRYPTION_KEY (version 1, required)
//   - MASTER_ENCRYPTION_KEY_V2 .. _V10 (optional)
func NewKeyManager() (*KeyManager, error) {
	return NewKeyManagerFrom(os.Getenv)
}

// NewKeyManagerFrom loads keys through lookup instead of the process environment.
func NewKeyManagerFrom(lookup func(string) string) (*KeyManager, error) {
	const prefix = "MASTER_ENCRYPTION_KEY"
	keys := make(map[int][]byte)

	for v := 1; v <= maxKeyVersions; v++ {
		envName := prefix
		if v > 1 {
			envName = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := lookup(envName)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("load primary key: %w", ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", envName, err)
		}
		keys[v] = key
	}
	return NewKeyManagerWithKeys(keys)
}

// NewKeyManagerWithKeys builds a manager from raw keys indexed by version.
func NewKeyManagerWithKeys(keys map[int][]byte) (*KeyManager, error) {
	km := &KeyManager{
		keys:       make(map[int][]byte),
		encryptors: make(map[int]*Encryptor),
	}
	for v, key := range keys {
		enc, err := NewEncryptor(key, v)
		if err != nil {
			return nil, fmt.Errorf("create encryptor v%d: %w", v, err)
		}
		km.keys[v] = append([]byte(nil), key...)
		km.encryptors[v] = enc
		if v > km.currentVer {
			km.currentVer = v
		}
	}
	if km.currentVer == 0 {
		return nil, ErrKeyNotLoaded
	}
	return km, nil
}

// Encrypt encrypts plaintext using the current (latest) key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt decrypts ciphertext, automatically selecting the correct key version.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d: %w", version, ErrVersionMissing)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt re-encrypts a ciphertext with the current key version.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// Key returns the raw master key for a version, used as derivation input.
func (km *KeyManager) Key(version int) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	key, ok := km.keys[version]
	if !ok {
		return nil, fmt.Errorf("key version %d: %w", version, ErrVersionMissing)
	}
	return key, nil
}

// CurrentVersion returns the current (latest) key version being used.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}
