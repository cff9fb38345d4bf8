package polymarket

// auth.go: autenticación L2 del CLOB.
//
// Cada petición autenticada lleva una firma HMAC-SHA256 de
// timestamp + método + path + body con el secret de la API key del operador.
// Las órdenes van firmadas por la wallet custodial del usuario (EIP-712);
// estas credenciales solo autentican al operador frente al CLOB.

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"golang.org/x/time/rate"
)

// Credentials are the operator's CLOB API credentials.
type Credentials struct {
	Address    string
	APIKey     string
	Secret     string // base64url
	Passphrase string
}

// l2Headers returns the authenticated headers for L2 API calls.
func (c *Client) l2Headers(method, path, body string, now time.Time) (map[string]string, error) {
	if c.creds.APIKey == "" || c.creds.Secret == "" {
		return nil, fmt.Errorf("auth: api credentials not configured")
	}

	ts := strconv.FormatInt(now.Unix(), 10)
	msg := ts + strings.ToUpper(method) + path + body

	secretBytes, err := base64.URLEncoding.DecodeString(c.creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("auth: decode secret: %w", err)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    c.creds.Address,
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    c.creds.APIKey,
		"POLY_PASSPHRASE": c.creds.Passphrase,
	}, nil
}

// newL2Request builds an authenticated request. HMAC headers are computed at
// build time, so a retry must build a new request to keep the timestamp fresh.
func (c *Client) newL2Request(ctx context.Context, method, path string, reqBody any) (*http.Request, error) {
	var bodyStr string
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		bodyStr = string(b)
	}

	headers, err := c.l2Headers(method, path, bodyStr, time.Now())
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if bodyStr != "" {
		bodyReader = bytes.NewReader([]byte(bodyStr))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.clobBase+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// getL2 runs an authenticated read with the usual retries.
func (c *Client) getL2(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, c.dataLimiter, func() (*http.Response, error) {
		req, err := c.newL2Request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	}, out)
}

// sendL2Once runs an authenticated mutation exactly once. Transport errors,
// 429 and 5xx wrap domain.ErrTransient; any other non-2xx is a statusError.
// On 4xx the body is still decoded into out when possible.
func (c *Client) sendL2Once(ctx context.Context, limiter *rate.Limiter, method, path string, reqBody, out any, extra map[string]string) error {
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", domain.ErrTransient, err)
	}
	req, err := c.newL2Request(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: status %d", domain.ErrTransient, method, path, resp.StatusCode)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 400 {
		return &statusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}
