package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const saltSize = 32

// Pipeline is an ordered list of stages. Encoding runs front to back,
// decoding back to front.
type Pipeline struct {
	Version int
	Stages  []Stage
}

// Sealed is the stored form of a pipeline output.
type Sealed struct {
	Version    int    `json:"v"`
	KeyVersion int    `json:"kv"`
	Salt       []byte `json:"salt"`
	Data       []byte `json:"data"`
	CreatedAt  int64  `json:"ts"`
}

func (p *Pipeline) encode(kc KeyContext, plaintext []byte) ([]byte, error) {
	data := plaintext
	for _, st := range p.Stages {
		out, err := st.Encode(kc, data)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		data = out
	}
	return data, nil
}

func (p *Pipeline) decode(kc KeyContext, data []byte) ([]byte, error) {
	for i := len(p.Stages) - 1; i >= 0; i-- {
		out, err := p.Stages[i].Decode(kc, data)
		if err != nil {
			return nil, err
		}
		data = out
	}
	return data, nil
}

// Scheme keeps every pipeline version that can still be opened and seals
// with the newest one.
type Scheme struct {
	keys      *KeyManager
	pipelines map[int]*Pipeline
	current   int
}

// NewScheme registers pipelines; the highest version seals.
func NewScheme(keys *KeyManager, pipelines ...*Pipeline) *Scheme {
	s := &Scheme{keys: keys, pipelines: make(map[int]*Pipeline)}
	for _, p := range pipelines {
		s.pipelines[p.Version] = p
		if p.Version > s.current {
			s.current = p.Version
		}
	}
	return s
}

// CurrentVersion returns the pipeline version used by Seal.
func (s *Scheme) CurrentVersion() int { return s.current }

// Seal runs the current pipeline and returns the JSON stored form.
func (s *Scheme) Seal(plaintext []byte) (string, int, error) {
	p, ok := s.pipelines[s.current]
	if !ok {
		return "", 0, fmt.Errorf("no pipeline registered")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", 0, fmt.Errorf("generate salt: %w", err)
	}
	kc := KeyContext{Salt: salt, KeyVersion: s.keys.CurrentVersion()}
	data, err := p.encode(kc, plaintext)
	if err != nil {
		return "", 0, err
	}
	raw, err := json.Marshal(Sealed{
		Version:    p.Version,
		KeyVersion: kc.KeyVersion,
		Salt:       salt,
		Data:       data,
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshal sealed: %w", err)
	}
	return string(raw), p.Version, nil
}

// Open decodes a stored form with the pipeline version it was sealed under.
func (s *Scheme) Open(stored string) ([]byte, error) {
	var sealed Sealed
	if err := json.Unmarshal([]byte(stored), &sealed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	p, ok := s.pipelines[sealed.Version]
	if !ok {
		return nil, fmt.Errorf("scheme version %d: %w", sealed.Version, ErrVersionMissing)
	}
	return p.decode(KeyContext{Salt: sealed.Salt, KeyVersion: sealed.KeyVersion}, sealed.Data)
}

// StandardPipeline is scheme version 1: obfuscate, password AES-GCM,
// RSA-OAEP, XChaCha20-Poly1305, obfuscate, base85, HMAC-SHA512.
func StandardPipeline(password string, iterations int, wrap *RSAWrap, keys *KeyManager) *Pipeline {
	return &Pipeline{
		Version: 1,
		Stages: []Stage{
			Obfuscator{},
			NewPasswordAEAD(password, iterations),
			wrap,
			NewSecondaryAEAD(keys),
			Obfuscator{},
			Base85{},
			NewIntegrityTag(keys),
		},
	}
}
