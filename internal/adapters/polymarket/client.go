package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultCLOBBase  = "https://clob.polymarket.com"
	defaultGammaBase = "https://gamma-api.polymarket.com"

	// Rate limits al 60% de los límites reales documentados.
	// Gamma /markets: 300/10s → 180/10s → 18/s
	gammaRatePerSec = 18
	// CLOB /data/*: 1500/10s → 900/10s → 90/s
	dataRatePerSec = 90
	// CLOB POST/DELETE /order: 500/10s → 300/10s → 30/s
	orderRatePerSec = 30

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// statusError is a non-2xx answer from the API.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Client es el HTTP client de Polymarket con rate limiting y retries.
type Client struct {
	http         *http.Client
	clobBase     string
	gammaBase    string
	creds        Credentials
	orderLimiter *rate.Limiter
	dataLimiter  *rate.Limiter
	gammaLimiter *rate.Limiter
	retryWait    time.Duration
}

// NewClient crea un Client con los base URLs dados.
// Si clobBase o gammaBase están vacíos, usa los URLs de producción.
func NewClient(clobBase, gammaBase string, creds Credentials) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	if gammaBase == "" {
		gammaBase = defaultGammaBase
	}
	return &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		clobBase:     clobBase,
		gammaBase:    gammaBase,
		creds:        creds,
		orderLimiter: rate.NewLimiter(orderRatePerSec, 10),
		dataLimiter:  rate.NewLimiter(dataRatePerSec, 20),
		gammaLimiter: rate.NewLimiter(gammaRatePerSec, 10),
		retryWait:    baseRetryWait,
	}
}

// SetRetryWait changes the base backoff. Tests use it to keep retries fast.
func (c *Client) SetRetryWait(d time.Duration) {
	c.retryWait = d
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry ejecuta la función con backoff exponencial.
// Solo para peticiones sin efectos: 429, 5xx y errores de red se reintentan;
// al agotar los intentos el error envuelve domain.ErrTransient.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, fn func() (*http.Response, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", domain.ErrTransient, err)
		}

		resp, err := fn()
		if err != nil {
			lastErr = err
			c.sleep(ctx, attempt)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("polymarket: rate limited by API", "attempt", attempt+1)
			lastErr = &statusError{Code: resp.StatusCode, Body: string(body)}
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 500:
			lastErr = &statusError{Code: resp.StatusCode, Body: string(body)}
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			return &statusError{Code: resp.StatusCode, Body: string(body)}
		}
		if readErr != nil {
			lastErr = readErr
			c.sleep(ctx, attempt)
			continue
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: after %d retries: %v", domain.ErrTransient, maxRetries, lastErr)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

// isStatus reports whether err is an API answer with the given code.
func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == code
}
