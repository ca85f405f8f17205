// Package tts converts text into audio via an ElevenLabs-compatible
// text-to-speech HTTP API. Retry and backoff live here, not in the
// pipeline: callers see one Convert call per row.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/lamim/voxsheet/internal/config"
	"github.com/lamim/voxsheet/internal/metrics"
)

const (
	// DefaultHTTPTimeout is the default timeout for conversion requests
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// Client handles requests to the text-to-speech endpoint.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	voiceID        string
	modelID        string
	outputFormat   string
	apiKey         string
	limiter        *rate.Limiter
	logger         *slog.Logger
	maxRetries     int
	baseRetryDelay time.Duration
}

// convertRequest is the JSON body of a text-to-speech call.
type convertRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// errorResponse is the JSON error envelope returned on failures.
type errorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// APIError represents an error returned by the conversion endpoint.
type APIError struct {
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tts error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tts error: %s", e.Message)
}

// NewClient creates a conversion client from config. The request-rate
// limiter smooths calls across the minute; the pipeline's inner gate
// separately bounds how many are in flight at once.
func NewClient(cfg config.TTSConfig, apiKey string, logger *slog.Logger) *Client {
	timeout := DefaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay := DefaultBaseRetryDelay
	if cfg.RetryDelaySeconds > 0 {
		baseDelay = time.Duration(cfg.RetryDelaySeconds) * time.Second
	}

	rpm := cfg.RateLimitPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	rps := float64(rpm) / 60.0
	burst := rpm / 5
	if burst < 1 {
		burst = 1
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        cfg.BaseURL,
		voiceID:        cfg.VoiceID,
		modelID:        cfg.ModelID,
		outputFormat:   cfg.OutputFormat,
		apiKey:         apiKey,
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		logger:         logger.With("component", "tts"),
		maxRetries:     maxRetries,
		baseRetryDelay: baseDelay,
	}
}

// Convert turns one text unit into one audio byte blob. Retries
// transient failures with exponential backoff; rate limit responses
// back off more aggressively (3^n).
func (c *Client) Convert(ctx context.Context, text string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			if apiErr, ok := lastErr.(*APIError); ok && apiErr.StatusCode == http.StatusTooManyRequests {
				backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
			}
			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
			sleep := backoff + jitter

			c.logger.Warn("Retrying conversion request",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", sleep)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}

		audio, err := c.doRequest(ctx, text)
		if err == nil {
			metrics.ObserveConversion(time.Since(start), nil)
			return audio, nil
		}
		lastErr = err

		if !c.isRetryable(err) {
			metrics.ObserveConversion(time.Since(start), err)
			return nil, err
		}
	}

	metrics.ObserveConversion(time.Since(start), lastErr)
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(convertRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL
	if endpoint[len(endpoint)-1] == '/' {
		endpoint = endpoint[:len(endpoint)-1]
	}
	endpoint += "/v1/text-to-speech/" + url.PathEscape(c.voiceID)
	if c.outputFormat != "" {
		endpoint += "?output_format=" + url.QueryEscape(c.outputFormat)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		isRetryable := c.isStatusCodeRetryable(httpResp.StatusCode)

		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Detail.Message != "" {
			return nil, &APIError{
				Message:    errResp.Detail.Message,
				StatusCode: httpResp.StatusCode,
				Retryable:  isRetryable,
			}
		}
		return nil, &APIError{
			Message:    fmt.Sprintf("conversion failed with status %d", httpResp.StatusCode),
			StatusCode: httpResp.StatusCode,
			Retryable:  isRetryable,
		}
	}

	if len(respBody) == 0 {
		return nil, &APIError{Message: "empty audio response", Retryable: true}
	}
	return respBody, nil
}

func (c *Client) isRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return false
}

func (c *Client) isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
