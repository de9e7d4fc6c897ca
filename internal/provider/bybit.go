package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	bybitWalletPath  = "/v5/account/wallet-balance"
	bybitWalletQuery = "accountType=UNIFIED"
	bybitRecvWindow  = "5000"

	bybitRetOK          = 0
	bybitRetInvalidKey  = 10003
	bybitRetRateLimited = 10006
)

// BybitURLs maps environments to REST hosts.
type BybitURLs struct {
	Demo     string
	Testnet  string
	Mainnet  string
	Fallback string // tried for mainnet when the primary host is unreachable
}

// BybitValidator signs a wallet-balance request with the candidate key.
type BybitValidator struct {
	urls   BybitURLs
	client *http.Client
	now    func() time.Time
}

func NewBybitValidator(urls BybitURLs) *BybitValidator {
	return &BybitValidator{urls: urls, client: newHTTPClient(), now: time.Now}
}

func (b *BybitValidator) Name() string { return Bybit }

func (b *BybitValidator) baseURL(env string) (string, error) {
	switch env {
	case "demo", "":
		return b.urls.Demo, nil
	case "testnet":
		return b.urls.Testnet, nil
	case "mainnet":
		return b.urls.Mainnet, nil
	}
	return "", fmt.Errorf("unknown bybit environment %q", env)
}

func sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitValidator) Validate(ctx context.Context, creds Credentials) (Result, error) {
	if strings.TrimSpace(creds.APISecret) == "" {
		return rejected("LOCAL_FORMAT", "API secret is required")
	}
	base, err := b.baseURL(creds.Environment)
	if err != nil {
		return rejected("LOCAL_FORMAT", err.Error())
	}

	resp, err := b.call(ctx, base, creds)
	if err != nil && creds.Environment == "mainnet" && b.urls.Fallback != "" && ctx.Err() == nil {
		log.Printf("[VAULT] bybit mainnet unreachable, trying fallback host: %v", err)
		resp, err = b.call(ctx, b.urls.Fallback, creds)
	}
	if err != nil {
		return Result{}, classifyTransport(err)
	}

	switch {
	case resp.RetCode == bybitRetOK:
		return Result{
			Valid:   true,
			Message: "Bybit API connection succeeded",
			Detail:  walletDetail(resp.Result, creds.Environment),
		}, nil
	case resp.RetCode == bybitRetRateLimited || strings.Contains(strings.ToLower(resp.RetMsg), "rate limit"):
		return softPass(strconv.Itoa(resp.RetCode), "Bybit rate limit reached; key recognized, check skipped")
	case resp.RetCode == bybitRetInvalidKey:
		return rejected(strconv.Itoa(resp.RetCode), "invalid API key")
	default:
		return rejected(strconv.Itoa(resp.RetCode), fmt.Sprintf("Bybit API error: %s", resp.RetMsg))
	}
}

func (b *BybitValidator) call(ctx context.Context, base string, creds Credentials) (*bybitResponse, error) {
	ts := strconv.FormatInt(b.now().UnixMilli(), 10)
	signature := sign(creds.APISecret, ts+creds.APIKey+bybitRecvWindow+bybitWalletQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+bybitWalletPath+"?"+bybitWalletQuery, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", creds.APIKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-SIGN-TYPE", "2")
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)

	res, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var out bybitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("bybit status %d: undecodable body", res.StatusCode)
	}
	return &out, nil
}

func walletDetail(raw json.RawMessage, env string) map[string]any {
	detail := map[string]any{"environment": env}
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return detail
	}
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			if c.Coin != "USDT" {
				continue
			}
			detail["usdt_balance"] = parseFloat(c.WalletBalance)
			detail["usdt_available"] = parseFloat(c.AvailableToWithdraw)
			return detail
		}
	}
	return detail
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
