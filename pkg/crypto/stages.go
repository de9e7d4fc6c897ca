package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/ascii85"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KeyContext carries the per-record inputs every stage derives its key from.
type KeyContext struct {
	Salt       []byte
	KeyVersion int
}

// Stage is one reversible transform of the sealing pipeline.
type Stage interface {
	Name() string
	Encode(kc KeyContext, in []byte) ([]byte, error)
	Decode(kc KeyContext, in []byte) ([]byte, error)
}

func stageFailed(name string, cause error) error {
	if errors.Is(cause, ErrDecryptionFailed) {
		return fmt.Errorf("stage %s: %w", name, cause)
	}
	return fmt.Errorf("stage %s: %w: %v", name, ErrDecryptionFailed, cause)
}

// ----------------------------------------
// Obfuscation
// ----------------------------------------

const (
	obfuscationNoise  = 16
	obfuscationKeyLen = 32
	obfuscationSum    = 8
	obfuscationShift  = 3
)

// Obfuscator pads with random noise, XORs with a random embedded key, rotates
// every byte and prefixes a truncated checksum. It carries no secret.
type Obfuscator struct{}

func (Obfuscator) Name() string { return "obfuscate" }

func (Obfuscator) Encode(_ KeyContext, in []byte) ([]byte, error) {
	padded := make([]byte, obfuscationNoise*2+len(in))
	if _, err := io.ReadFull(rand.Reader, padded[:obfuscationNoise]); err != nil {
		return nil, err
	}
	copy(padded[obfuscationNoise:], in)
	if _, err := io.ReadFull(rand.Reader, padded[obfuscationNoise+len(in):]); err != nil {
		return nil, err
	}

	key := make([]byte, obfuscationKeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	shifted := make([]byte, len(padded))
	for i, b := range padded {
		shifted[i] = bits.RotateLeft8(b^key[i%len(key)], obfuscationShift)
	}
	sum := sha256.Sum256(shifted)

	out := make([]byte, 0, 1+len(key)+obfuscationSum+len(shifted))
	out = append(out, byte(len(key)))
	out = append(out, key...)
	out = append(out, sum[:obfuscationSum]...)
	return append(out, shifted...), nil
}

func (o Obfuscator) Decode(_ KeyContext, in []byte) ([]byte, error) {
	if len(in) < 1 {
		return nil, stageFailed(o.Name(), ErrInvalidCiphertext)
	}
	keyLen := int(in[0])
	if keyLen == 0 || len(in) < 1+keyLen+obfuscationSum+obfuscationNoise*2 {
		return nil, stageFailed(o.Name(), ErrInvalidCiphertext)
	}
	key := in[1 : 1+keyLen]
	sum := in[1+keyLen : 1+keyLen+obfuscationSum]
	shifted := in[1+keyLen+obfuscationSum:]

	want := sha256.Sum256(shifted)
	if !hmac.Equal(sum, want[:obfuscationSum]) {
		return nil, stageFailed(o.Name(), errors.New("checksum mismatch"))
	}
	padded := make([]byte, len(shifted))
	for i, b := range shifted {
		padded[i] = bits.RotateLeft8(b, -obfuscationShift) ^ key[i%len(key)]
	}
	return padded[obfuscationNoise : len(padded)-obfuscationNoise], nil
}

// ----------------------------------------
// Password-derived AES-256-GCM
// ----------------------------------------

// DefaultPBKDF2Iterations is the work factor of the password stage.
const DefaultPBKDF2Iterations = 100_000

// PasswordAEAD encrypts with AES-256-GCM under PBKDF2-SHA512(password, salt).
type PasswordAEAD struct {
	password   []byte
	iterations int
}

func NewPasswordAEAD(password string, iterations int) *PasswordAEAD {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	return &PasswordAEAD{password: []byte(password), iterations: iterations}
}

func (p *PasswordAEAD) Name() string { return "aes-gcm" }

func (p *PasswordAEAD) encryptor(kc KeyContext) (*Encryptor, error) {
	key := pbkdf2.Key(p.password, kc.Salt, p.iterations, KeySize, sha512.New)
	return NewEncryptor(key, kc.KeyVersion)
}

func (p *PasswordAEAD) Encode(kc KeyContext, in []byte) ([]byte, error) {
	enc, err := p.encryptor(kc)
	if err != nil {
		return nil, err
	}
	return enc.Seal(in)
}

func (p *PasswordAEAD) Decode(kc KeyContext, in []byte) ([]byte, error) {
	enc, err := p.encryptor(kc)
	if err != nil {
		return nil, err
	}
	out, err := enc.Open(in)
	if err != nil {
		return nil, stageFailed(p.Name(), err)
	}
	return out, nil
}

// ----------------------------------------
// RSA-OAEP wrap
// ----------------------------------------

// RSAWrap encrypts in OAEP-SHA512 chunks under an RSA key pair.
type RSAWrap struct {
	priv *rsa.PrivateKey
}

func NewRSAWrap(priv *rsa.PrivateKey) *RSAWrap {
	return &RSAWrap{priv: priv}
}

func (r *RSAWrap) Name() string { return "rsa-oaep" }

// chunkSize is the largest plaintext one OAEP-SHA512 block can carry.
func (r *RSAWrap) chunkSize() int {
	return r.priv.Size() - 2*sha512.Size - 2
}

func (r *RSAWrap) Encode(_ KeyContext, in []byte) ([]byte, error) {
	size := r.chunkSize()
	if size <= 0 {
		return nil, fmt.Errorf("rsa key too small for OAEP-SHA512")
	}
	var out bytes.Buffer
	for start := 0; start < len(in); start += size {
		end := min(start+size, len(in))
		block, err := rsa.EncryptOAEP(sha512.New(), rand.Reader, &r.priv.PublicKey, in[start:end], nil)
		if err != nil {
			return nil, fmt.Errorf("rsa encrypt: %w", err)
		}
		out.Write(block)
	}
	return out.Bytes(), nil
}

func (r *RSAWrap) Decode(_ KeyContext, in []byte) ([]byte, error) {
	k := r.priv.Size()
	if len(in)%k != 0 {
		return nil, stageFailed(r.Name(), ErrInvalidCiphertext)
	}
	var out bytes.Buffer
	for start := 0; start < len(in); start += k {
		block, err := rsa.DecryptOAEP(sha512.New(), nil, r.priv, in[start:start+k], nil)
		if err != nil {
			return nil, stageFailed(r.Name(), err)
		}
		out.Write(block)
	}
	return out.Bytes(), nil
}

// ----------------------------------------
// Secondary XChaCha20-Poly1305
// ----------------------------------------

const (
	secondaryInfo = "credential-vault/secondary"
	integrityInfo = "credential-vault/integrity"
)

// SecondaryAEAD encrypts with XChaCha20-Poly1305 under a key expanded by
// HKDF-SHA256 from the versioned master key.
type SecondaryAEAD struct {
	keys *KeyManager
}

func NewSecondaryAEAD(keys *KeyManager) *SecondaryAEAD {
	return &SecondaryAEAD{keys: keys}
}

func (s *SecondaryAEAD) Name() string { return "xchacha20-poly1305" }

func deriveKey(h func() hash.Hash, master, salt []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(h, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("hkdf %s: %w", info, err)
	}
	return key, nil
}

func (s *SecondaryAEAD) Encode(kc KeyContext, in []byte) ([]byte, error) {
	master, err := s.keys.Key(kc.KeyVersion)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(sha256.New, master, kc.Salt, secondaryInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(in)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, in, nil), nil
}

func (s *SecondaryAEAD) Decode(kc KeyContext, in []byte) ([]byte, error) {
	master, err := s.keys.Key(kc.KeyVersion)
	if err != nil {
		return nil, stageFailed(s.Name(), err)
	}
	key, err := deriveKey(sha256.New, master, kc.Salt, secondaryInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(in) < aead.NonceSize()+aead.Overhead() {
		return nil, stageFailed(s.Name(), ErrInvalidCiphertext)
	}
	out, err := aead.Open(nil, in[:aead.NonceSize()], in[aead.NonceSize():], nil)
	if err != nil {
		return nil, stageFailed(s.Name(), err)
	}
	return out, nil
}

// ----------------------------------------
// Base85 text encoding
// ----------------------------------------

// Base85 is a non-cryptographic text encoding.
type Base85 struct{}

func (Base85) Name() string { return "base85" }

func (Base85) Encode(_ KeyContext, in []byte) ([]byte, error) {
	dst := make([]byte, ascii85.MaxEncodedLen(len(in)))
	n := ascii85.Encode(dst, in)
	return dst[:n], nil
}

func (b Base85) Decode(_ KeyContext, in []byte) ([]byte, error) {
	// 'z' expands one byte into four.
	dst := make([]byte, 4*len(in)+4)
	n, consumed, err := ascii85.Decode(dst, in, true)
	if err != nil {
		return nil, stageFailed(b.Name(), err)
	}
	if consumed != len(in) {
		return nil, stageFailed(b.Name(), ErrInvalidCiphertext)
	}
	return dst[:n], nil
}

// ----------------------------------------
// Integrity tag
// ----------------------------------------

// IntegrityTag appends HMAC-SHA512 under a key expanded by HKDF-SHA512.
type IntegrityTag struct {
	keys *KeyManager
}

func NewIntegrityTag(keys *KeyManager) *IntegrityTag {
	return &IntegrityTag{keys: keys}
}

func (t *IntegrityTag) Name() string { return "hmac-sha512" }

func (t *IntegrityTag) mac(kc KeyContext, data []byte) ([]byte, error) {
	master, err := t.keys.Key(kc.KeyVersion)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(sha512.New, master, kc.Salt, integrityInfo, sha512.Size)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha512.New, key)
	m.Write(data)
	return m.Sum(nil), nil
}

func (t *IntegrityTag) Encode(kc KeyContext, in []byte) ([]byte, error) {
	tag, err := t.mac(kc, in)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(in)+len(tag))
	out = append(out, in...)
	return append(out, tag...), nil
}

func (t *IntegrityTag) Decode(kc KeyContext, in []byte) ([]byte, error) {
	if len(in) < sha512.Size {
		return nil, stageFailed(t.Name(), ErrInvalidCiphertext)
	}
	data, tag := in[:len(in)-sha512.Size], in[len(in)-sha512.Size:]
	want, err := t.mac(kc, data)
	if err != nil {
		return nil, stageFailed(t.Name(), err)
	}
	if !hmac.Equal(tag, want) {
		return nil, stageFailed(t.Name(), errors.New("signature mismatch"))
	}
	return data, nil
}
