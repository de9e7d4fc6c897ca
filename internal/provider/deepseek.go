package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const defaultDeepSeekModel = "deepseek-chat"

// DeepSeekValidator sends a 10-token completion with the candidate key.
type DeepSeekValidator struct {
	baseURL string
	client  *http.Client
}

func NewDeepSeekValidator(baseURL string) *DeepSeekValidator {
	return &DeepSeekValidator{baseURL: strings.TrimRight(baseURL, "/"), client: newHTTPClient()}
}

func (d *DeepSeekValidator) Name() string { return DeepSeek }

func (d *DeepSeekValidator) Validate(ctx context.Context, creds Credentials) (Result, error) {
	base := d.baseURL
	if creds.BaseURL != "" {
		base = strings.TrimRight(creds.BaseURL, "/")
	}
	model := creds.Model
	if model == "" {
		model = defaultDeepSeekModel
	}
	body, _ := json.Marshal(map[string]any{
		"model":      model,
		"messages":   []map[string]string{{"role": "user", "content": "test"}},
		"max_tokens": 10,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return Result{}, classifyTransport(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return Result{
			Valid:   true,
			Message: "DeepSeek API connection succeeded",
			Detail:  map[string]any{"model": model},
		}, nil
	case http.StatusTooManyRequests:
		return softPass(httpStatusCode(res.StatusCode), "DeepSeek rate limit reached; key recognized, check skipped")
	case http.StatusUnauthorized:
		return rejected(httpStatusCode(res.StatusCode), "invalid API key")
	case http.StatusPaymentRequired:
		return rejected(httpStatusCode(res.StatusCode), "insufficient account balance")
	default:
		return rejected(httpStatusCode(res.StatusCode), "DeepSeek API error")
	}
}
