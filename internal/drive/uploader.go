// Package drive stores audio artifacts in Google Drive and returns a
// shareable link. An upload is three calls: multipart file create,
// anyone-with-link reader permission, then a metadata fetch for the
// webViewLink. Only the create call is retried; a created file whose
// link cannot be obtained is a terminal failure with no partial credit.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/lamim/voxsheet/internal/gauth"
	"github.com/lamim/voxsheet/internal/metrics"
)

const (
	// DefaultTimeout is the default timeout for upload operations
	DefaultTimeout = 300 * time.Second
	// MaxRetries is the maximum number of retries for the create call
	MaxRetries = 3
	// RetryDelay is the delay between create retries
	RetryDelay = 2 * time.Second

	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"
	defaultAPIURL    = "https://www.googleapis.com/drive/v3/files"
)

// ErrNoReference means the file was stored but no shareable link could
// be obtained. Distinct from an upload failure: the bytes are on the
// remote side, yet the row cannot be completed.
var ErrNoReference = errors.New("file stored but no shareable link obtained")

// Uploader stores audio blobs in Google Drive.
type Uploader struct {
	httpClient *http.Client
	tokens     gauth.TokenSource
	uploadURL  string
	apiURL     string
	logger     *slog.Logger
}

// NewUploader creates a Drive uploader.
func NewUploader(tokens gauth.TokenSource, timeout time.Duration, logger *slog.Logger) *Uploader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Uploader{
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		uploadURL:  defaultUploadURL,
		apiURL:     defaultAPIURL,
		logger:     logger.With("component", "drive_uploader"),
	}
}

type fileResource struct {
	ID          string `json:"id"`
	WebViewLink string `json:"webViewLink"`
}

// Store uploads the audio bytes under the suggested name and returns a
// public webViewLink.
func (u *Uploader) Store(ctx context.Context, data []byte, name string) (string, error) {
	start := time.Now()
	link, err := u.store(ctx, data, name)
	metrics.ObserveUpload(time.Since(start), err)
	return link, err
}

func (u *Uploader) store(ctx context.Context, data []byte, name string) (string, error) {
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}

	fileID, err := u.createFile(ctx, token, data, name)
	if err != nil {
		return "", err
	}

	// Permission failure is logged, not fatal: the link fetch below
	// decides whether the row counts as done.
	if err := u.makePublic(ctx, token, fileID); err != nil {
		u.logger.Warn("Failed to set public permission", "file_id", fileID, "error", err)
	}

	link, err := u.webViewLink(ctx, token, fileID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoReference, err)
	}
	if link == "" {
		return "", ErrNoReference
	}

	u.logger.Debug("Artifact stored", "name", name, "file_id", fileID)
	return link, nil
}

// createFile performs the multipart upload and returns the file ID.
// Transient HTTP failures are retried with a fixed delay.
func (u *Uploader) createFile(ctx context.Context, token string, data []byte, name string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			u.logger.Warn("Retrying Drive upload", "attempt", attempt, "name", name, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(RetryDelay):
			}
		}

		fileID, retryable, err := u.doCreate(ctx, token, data, name)
		if err == nil {
			return fileID, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (u *Uploader) doCreate(ctx context.Context, token string, data []byte, name string) (fileID string, retryable bool, err error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return "", false, fmt.Errorf("failed to create metadata part: %w", err)
	}
	meta := map[string]string{"name": name, "mimeType": "audio/mpeg"}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return "", false, fmt.Errorf("failed to encode metadata: %w", err)
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Type", "audio/mpeg")
	filePart, err := mw.CreatePart(fileHeader)
	if err != nil {
		return "", false, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := filePart.Write(data); err != nil {
		return "", false, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", false, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL+"?uploadType=multipart", &body)
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("upload request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var file fileResource
	if err := json.Unmarshal(respBody, &file); err != nil {
		return "", false, fmt.Errorf("failed to parse upload response: %w", err)
	}
	if file.ID == "" {
		return "", false, fmt.Errorf("upload response missing file id")
	}
	return file.ID, false, nil
}

func (u *Uploader) makePublic(ctx context.Context, token, fileID string) error {
	perm := []byte(`{"role": "reader", "type": "anyone"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/permissions", u.apiURL, fileID), bytes.NewReader(perm))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("permission request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("permission request failed with status %d", resp.StatusCode)
	}
	return nil
}

func (u *Uploader) webViewLink(ctx context.Context, token, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s?fields=webViewLink", u.apiURL, fileID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata request failed with status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var file fileResource
	if err := json.Unmarshal(respBody, &file); err != nil {
		return "", fmt.Errorf("failed to parse metadata response: %w", err)
	}
	return file.WebViewLink, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
