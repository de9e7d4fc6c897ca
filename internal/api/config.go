package api

import (
	"io"

	"github.com/feng04-qyq/backend/internal/provider"
	"github.com/feng04-qyq/backend/internal/settings"
	"github.com/feng04-qyq/backend/internal/vault"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/crypto"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gin-gonic/gin"
)

const maxConfigBody = 1 << 20

func isProvider(name string) bool {
	return name == provider.Bybit || name == provider.DeepSeek
}

func (s *Server) owner(c *gin.Context) vault.Owner {
	session := currentSession(c)
	return vault.Owner{ID: session.UserID, SessionToken: session.Token}
}

func readBody(c *gin.Context) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBody))
	if err != nil {
		return nil, apperr.ErrInvalidRequest.Wrap(err)
	}
	if len(raw) == 0 {
		return nil, apperr.ErrInvalidRequest.WithDetail("empty body")
	}
	return raw, nil
}

func parsePayload(c *gin.Context) (crypto.CredentialPayload, error) {
	raw, err := readBody(c)
	if err != nil {
		return crypto.CredentialPayload{}, err
	}
	p, err := crypto.ParseCredentialPayload(raw)
	if err != nil {
		return crypto.CredentialPayload{}, apperr.ErrInvalidRequest.Wrap(err)
	}
	return p, nil
}

// getConfig returns every category; stored keys appear masked only.
func (s *Server) getConfig(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentSession(c).UserID
	all, err := s.Settings.All(ctx, userID)
	if err != nil {
		fail(c, err)
		return
	}
	masked, err := s.Vault.Masked(ctx, userID)
	if err != nil {
		fail(c, err)
		return
	}
	for _, m := range masked {
		cat, ok := all[m.Provider]
		if !ok {
			continue
		}
		key := "api_key"
		if m.Environment != vault.EnvNone {
			key += "_" + m.Environment
		}
		updated := m.UpdatedAt
		cat[key] = settings.Entry{Value: m.MaskedKey, Description: "stored API key (masked)", UpdatedAt: &updated}
	}
	ok(c, i18n.Get("ConfigLoadedOK"), all)
}

type configUpdate struct {
	Category    string            `json:"category"`
	Values      map[string]any    `json:"values"`
	Credentials *vault.Submission `json:"credentials,omitempty"`
}

// updateConfig writes one category. Provider categories may carry keys,
// encrypted or plain; those go through the vault and only the remaining
// fields are stored as settings.
func (s *Server) updateConfig(c *gin.Context) {
	ctx := c.Request.Context()
	category := c.Param("category")
	if _, ok := s.Settings.Schema().Category(category); !ok {
		fail(c, apperr.ErrInvalidRequest.WithDetail("unknown category %q", category))
		return
	}
	payload, err := parsePayload(c)
	if err != nil {
		fail(c, err)
		return
	}

	out := configUpdate{Category: category}
	fields := payload.Plain
	message := msgf("ConfigUpdated", category)
	if isProvider(category) {
		sub, err := s.Vault.Submit(ctx, s.owner(c), category, payload)
		if err != nil {
			fail(c, err)
			return
		}
		fields = sub.Settings
		if sub.Stored || sub.Result.Message != "" {
			out.Credentials = sub
		}
		if sub.Result.SoftPass {
			message = i18n.Get("ValidationSoftPass")
		}
	} else if payload.IsEncrypted() {
		fail(c, apperr.ErrInvalidRequest.WithDetail("category %q takes plain values", category))
		return
	}

	if len(fields) > 0 {
		out.Values, err = s.Settings.Update(ctx, currentSession(c).UserID, category, fields)
		if err != nil {
			fail(c, err)
			return
		}
	}
	s.Aggregator.Invalidate(readerKey(c))
	ok(c, message, out)
}

// validateProvider checks keys against the provider without storing them.
func (s *Server) validateProvider(c *gin.Context) {
	name := c.Param("provider")
	if !isProvider(name) {
		fail(c, apperr.ErrInvalidRequest.WithDetail("unknown provider %q", name))
		return
	}
	payload, err := parsePayload(c)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := s.Vault.ValidatePayload(c.Request.Context(), s.owner(c), name, payload)
	if err != nil {
		fail(c, err)
		return
	}
	if !res.Valid {
		fail(c, apperr.ProviderRejected(res.ProviderCode, res.Message))
		return
	}
	message := i18n.Get("ValidationPassed")
	if res.SoftPass {
		message = i18n.Get("ValidationSoftPass")
	}
	ok(c, message, res)
}
