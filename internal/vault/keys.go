package vault

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"

	"github.com/feng04-qyq/backend/pkg/crypto"
	"github.com/feng04-qyq/backend/pkg/db"
	"github.com/feng04-qyq/backend/pkg/i18n"
)

const wrapKeyID = "rsa-wrap"

// KeyStore persists wrapped key material.
type KeyStore interface {
	GetVaultKey(ctx context.Context, id string) (string, error)
	PutVaultKey(ctx context.Context, id, material string) error
}

// LoadOrCreateWrapKey returns the RSA key of the asymmetric stage. The PEM is
// stored encrypted under the master key and re-encrypted when a newer master
// key version is configured.
func LoadOrCreateWrapKey(ctx context.Context, store KeyStore, keys *crypto.KeyManager, bits int) (*rsa.PrivateKey, error) {
	stored, err := store.GetVaultKey(ctx, wrapKeyID)
	if errors.Is(err, db.ErrNotFound) {
		return createWrapKey(ctx, store, keys, bits)
	}
	if err != nil {
		return nil, err
	}

	pemText, err := keys.Decrypt(stored)
	if err != nil {
		return nil, fmt.Errorf("unwrap rsa key: %w", err)
	}
	priv, err := parseWrapKey(pemText)
	if err != nil {
		return nil, err
	}
	if v := crypto.ParseVersion(stored); v != keys.CurrentVersion() {
		rotated, err := keys.ReEncrypt(stored)
		if err != nil {
			return nil, fmt.Errorf("rotate rsa key: %w", err)
		}
		if err := store.PutVaultKey(ctx, wrapKeyID, rotated); err != nil {
			return nil, err
		}
		log.Printf("[VAULT] "+i18n.Get("VaultKeyRotated"), keys.CurrentVersion())
	}
	return priv, nil
}

func createWrapKey(ctx context.Context, store KeyStore, keys *crypto.KeyManager, bits int) (*rsa.PrivateKey, error) {
	if bits < 2048 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal rsa key: %w", err)
	}
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	wrapped, err := keys.Encrypt(pemText)
	if err != nil {
		return nil, fmt.Errorf("wrap rsa key: %w", err)
	}
	if err := store.PutVaultKey(ctx, wrapKeyID, wrapped); err != nil {
		return nil, err
	}
	log.Printf("[VAULT] "+i18n.Get("VaultKeyGenerated"), bits)
	return priv, nil
}

func parseWrapKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("rsa key: no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("rsa key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("rsa key: not an RSA key")
	}
	return priv, nil
}
