package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestClientPayloadRoundTrip(t *testing.T) {
	env, err := SealClientPayload([]byte(`{"api_key":"k-1234567890"}`), "session-token")
	if err != nil {
		t.Fatalf("SealClientPayload: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{"encrypted": true, "payload": env})

	p, err := ParseCredentialPayload(raw)
	if err != nil {
		t.Fatalf("ParseCredentialPayload: %v", err)
	}
	if !p.IsEncrypted() {
		t.Fatal("expected encrypted variant")
	}
	fields, err := p.Resolve("session-token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fields["api_key"] != "k-1234567890" {
		t.Fatalf("api_key = %v", fields["api_key"])
	}
}

func TestClientPayloadInlineEnvelope(t *testing.T) {
	env, _ := SealClientPayload([]byte(`{"a":"b"}`), "tok")
	raw, _ := json.Marshal(env)
	p, err := ParseCredentialPayload(raw)
	if err != nil || !p.IsEncrypted() {
		t.Fatalf("parse inline: %v", err)
	}
	if _, err := p.Resolve("tok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestClientPayloadNeverFallsBackToPlaintext(t *testing.T) {
	env, _ := SealClientPayload([]byte(`{"api_key":"k"}`), "session-token")

	tag, _ := base64.StdEncoding.DecodeString(env.Tag)
	tag[0] ^= 0x01
	tampered := env
	tampered.Tag = base64.StdEncoding.EncodeToString(tag)

	cases := map[string]struct {
		env   EncryptedPayload
		token string
		want  error
	}{
		"flipped tag":   {tampered, "session-token", ErrDecryptionFailed},
		"other session": {env, "another-token", ErrDecryptionFailed},
		"no session":    {env, "", ErrMissingSession},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := CredentialPayload{Encrypted: &tc.env}
			fields, err := p.Resolve(tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if fields != nil {
				t.Fatalf("fields returned on failure: %v", fields)
			}
		})
	}
}

func TestClientPayloadMissingField(t *testing.T) {
	_, err := DecryptClientPayload(EncryptedPayload{Encrypted: true, Salt: "AA==", IV: "AA=="}, "tok")
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestPlainPayload(t *testing.T) {
	p, err := ParseCredentialPayload([]byte(`{"api_key":"plain-key-123","environment":"demo"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.IsEncrypted() {
		t.Fatal("expected plain variant")
	}
	fields, _ := p.Resolve("")
	if fields["environment"] != "demo" {
		t.Fatalf("fields = %v", fields)
	}
	if _, err := ParseCredentialPayload([]byte(`[1,2]`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
