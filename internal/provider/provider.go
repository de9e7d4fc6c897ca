// Package provider checks exchange and AI credentials against the live
// provider APIs and classifies their answers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/feng04-qyq/backend/pkg/apperr"

	"golang.org/x/time/rate"
)

const (
	Bybit    = "bybit"
	DeepSeek = "deepseek"

	minKeyLength = 10
)

// Credentials is the plaintext a validator receives. It never leaves the process.
type Credentials struct {
	APIKey      string
	APISecret   string
	Environment string // demo | testnet | mainnet; empty for AI providers
	BaseURL     string
	Model       string
}

// Result is a classified validation answer.
type Result struct {
	Valid        bool           `json:"valid"`
	SoftPass     bool           `json:"soft_pass,omitempty"`
	Message      string         `json:"message"`
	ProviderCode string         `json:"provider_code,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	CheckedAt    time.Time      `json:"checked_at"`
}

// Validator performs one live credential check.
type Validator interface {
	Name() string
	Validate(ctx context.Context, creds Credentials) (Result, error)
}

// Registry dispatches validation by provider name and throttles outbound calls.
type Registry struct {
	validators map[string]Validator
	limiter    *rate.Limiter
	timeout    time.Duration
	observe    func(provider, outcome string)
}

// NewRegistry allows 5 checks per second with a burst of 5 across all providers.
func NewRegistry(timeout time.Duration, validators ...Validator) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Registry{
		validators: make(map[string]Validator),
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		timeout:    timeout,
	}
	for _, v := range validators {
		r.validators[v.Name()] = v
	}
	return r
}

// OnOutcome registers a callback receiving valid|soft_pass|rejected|error.
func (r *Registry) OnOutcome(fn func(provider, outcome string)) {
	r.observe = fn
}

// Supports reports whether a validator is registered for provider.
func (r *Registry) Supports(provider string) bool {
	_, ok := r.validators[provider]
	return ok
}

// Validate runs the provider check. Rejections come back as a Result with
// Valid=false together with an apperr.ErrProviderRejected carrying the code.
func (r *Registry) Validate(ctx context.Context, provider string, creds Credentials) (Result, error) {
	v, ok := r.validators[provider]
	if !ok {
		return Result{}, apperr.ErrInvalidRequest.WithDetail("unsupported provider %q", provider)
	}
	if len(strings.TrimSpace(creds.APIKey)) < minKeyLength {
		res := Result{Valid: false, Message: "API key format is invalid", ProviderCode: "LOCAL_FORMAT", CheckedAt: time.Now().UTC()}
		r.record(provider, "rejected")
		return res, apperr.ProviderRejected("LOCAL_FORMAT", "API key must be at least 10 characters")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		r.record(provider, "error")
		return Result{}, classifyTransport(err)
	}

	res, err := v.Validate(ctx, creds)
	res.CheckedAt = time.Now().UTC()
	switch {
	case err != nil && apperr.IsClass(err, apperr.ClassValidation):
		r.record(provider, "rejected")
	case err != nil:
		r.record(provider, "error")
		log.Printf("[VAULT] %s validation call failed: %v", provider, err)
	case res.SoftPass:
		r.record(provider, "soft_pass")
	default:
		r.record(provider, "valid")
	}
	return res, err
}

func (r *Registry) record(provider, outcome string) {
	if r.observe != nil {
		r.observe(provider, outcome)
	}
}

// classifyTransport turns a network failure into a distinguishable upstream error.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.ErrTimeout.Wrap(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.ErrTimeout.Wrap(err)
	}
	return apperr.ErrProviderUnreachable.Wrap(err)
}

func rejected(code, msg string) (Result, error) {
	return Result{Valid: false, Message: msg, ProviderCode: code}, apperr.ProviderRejected(code, msg)
}

func softPass(code, msg string) (Result, error) {
	return Result{Valid: true, SoftPass: true, Message: msg, ProviderCode: code}, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func httpStatusCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}
