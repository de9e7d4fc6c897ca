package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// ClientPBKDF2Iterations must match the browser client.
	ClientPBKDF2Iterations = 120_000
	ClientAlgorithm        = "AES-256-GCM"
	clientTagSize          = 16
)

var (
	ErrInvalidPayload = errors.New("invalid credential payload")
	ErrMissingSession = errors.New("session token required for encrypted payload")
)

// EncryptedPayload is the client-side AES-GCM envelope. Binary fields are base64.
type EncryptedPayload struct {
	Encrypted  bool   `json:"encrypted"`
	Version    int    `json:"version,omitempty"`
	Alg        string `json:"alg,omitempty"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Data       string `json:"data,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Tag        string `json:"tag"`
}

// CredentialPayload is either an encrypted envelope or a plaintext field map,
// discriminated by the encrypted flag.
type CredentialPayload struct {
	Encrypted *EncryptedPayload
	Plain     map[string]any
}

// IsEncrypted reports which variant is set.
func (p CredentialPayload) IsEncrypted() bool { return p.Encrypted != nil }

// ParseCredentialPayload reads a request body. An encrypted body may carry the
// envelope inline or nested under "payload".
func ParseCredentialPayload(raw []byte) (CredentialPayload, error) {
	var probe struct {
		Encrypted bool            `json:"encrypted"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return CredentialPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !probe.Encrypted {
		var plain map[string]any
		if err := json.Unmarshal(raw, &plain); err != nil {
			return CredentialPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return CredentialPayload{Plain: plain}, nil
	}

	body := raw
	if len(probe.Payload) > 0 && string(probe.Payload) != "null" {
		body = probe.Payload
	}
	var env EncryptedPayload
	if err := json.Unmarshal(body, &env); err != nil {
		return CredentialPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	env.Encrypted = true
	return CredentialPayload{Encrypted: &env}, nil
}

// Resolve returns the plaintext field map, decrypting with a key bound to the
// caller's session token when the payload is encrypted.
func (p CredentialPayload) Resolve(sessionToken string) (map[string]any, error) {
	if !p.IsEncrypted() {
		if p.Plain == nil {
			return map[string]any{}, nil
		}
		return p.Plain, nil
	}
	plaintext, err := DecryptClientPayload(*p.Encrypted, sessionToken)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("%w: decrypted body is not a JSON object", ErrInvalidPayload)
	}
	return fields, nil
}

func clientKey(token string, salt []byte) []byte {
	return pbkdf2.Key([]byte(token), salt, ClientPBKDF2Iterations, KeySize, sha256.New)
}

func decodeField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, name)
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 in %s", ErrInvalidPayload, name)
	}
	return b, nil
}

// DecryptClientPayload opens a client envelope. It never falls back to
// treating the input as plaintext.
func DecryptClientPayload(env EncryptedPayload, sessionToken string) ([]byte, error) {
	if sessionToken == "" {
		return nil, ErrMissingSession
	}
	if env.Alg != "" && env.Alg != ClientAlgorithm {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrInvalidPayload, env.Alg)
	}
	data := env.Data
	if data == "" {
		data = env.Ciphertext
	}
	salt, err := decodeField("salt", env.Salt)
	if err != nil {
		return nil, err
	}
	iv, err := decodeField("iv", env.IV)
	if err != nil {
		return nil, err
	}
	ct, err := decodeField("data", data)
	if err != nil {
		return nil, err
	}
	tag, err := decodeField("tag", env.Tag)
	if err != nil {
		return nil, err
	}
	if len(tag) != clientTagSize {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(clientKey(sessionToken, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealClientPayload builds the envelope a browser client would send.
func SealClientPayload(plaintext []byte, sessionToken string) (EncryptedPayload, error) {
	salt := make([]byte, 16)
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return EncryptedPayload{}, err
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return EncryptedPayload{}, err
	}
	block, err := aes.NewCipher(clientKey(sessionToken, salt))
	if err != nil {
		return EncryptedPayload{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedPayload{}, err
	}
	out := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := out[:len(out)-clientTagSize], out[len(out)-clientTagSize:]
	enc := base64.StdEncoding.EncodeToString
	return EncryptedPayload{
		Encrypted: true,
		Version:   1,
		Alg:       ClientAlgorithm,
		Salt:      enc(salt),
		IV:        enc(iv),
		Data:      enc(ct),
		Tag:       enc(tag),
	}, nil
}
