// Package sheets reads source rows from a Google Sheet and writes audio
// links back, either as one grouped batchUpdate per window or as
// per-cell fallback writes.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/lamim/voxsheet/internal/gauth"
	"github.com/lamim/voxsheet/pkg/models"
)

const (
	// DefaultTimeout is the default timeout for Sheets API calls
	DefaultTimeout = 60 * time.Second

	defaultBaseURL = "https://sheets.googleapis.com"
)

// Client talks to the Google Sheets values API for one worksheet.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	tokens        gauth.TokenSource
	spreadsheetID string
	sheetName     string
	logger        *slog.Logger
}

// NewClient creates a Sheets client bound to one spreadsheet and sheet.
func NewClient(tokens gauth.TokenSource, spreadsheetID, sheetName string, logger *slog.Logger) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		baseURL:       defaultBaseURL,
		tokens:        tokens,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger.With("component", "sheets"),
	}
}

type valueRange struct {
	Range  string     `json:"range,omitempty"`
	Values [][]string `json:"values"`
}

type batchUpdateRequest struct {
	ValueInputOption string       `json:"valueInputOption"`
	Data             []valueRange `json:"data"`
}

// ReadAllRows fetches every populated row of the sheet, in order. Row i
// of the result corresponds to sheet row i+1.
func (c *Client) ReadAllRows(ctx context.Context) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		c.baseURL, url.PathEscape(c.spreadsheetID), url.PathEscape(c.sheetName))

	respBody, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	var vr valueRange
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return nil, fmt.Errorf("failed to parse values response: %w", err)
	}

	c.logger.Info("Fetched spreadsheet data", "sheet", c.sheetName, "rows", len(vr.Values))
	return vr.Values, nil
}

// WriteCells issues one grouped batchUpdate covering every cell in the
// mapping. All-or-nothing from the caller's perspective: on error the
// caller falls back to WriteCell per pair.
func (c *Client) WriteCells(ctx context.Context, updates map[models.CellAddress]string) error {
	if len(updates) == 0 {
		return nil
	}

	req := batchUpdateRequest{ValueInputOption: "RAW"}
	for addr, value := range updates {
		req.Data = append(req.Data, valueRange{
			Range:  c.cellRange(addr),
			Values: [][]string{{value}},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal batch update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values:batchUpdate",
		c.baseURL, url.PathEscape(c.spreadsheetID))
	if _, err := c.do(ctx, http.MethodPost, endpoint, body); err != nil {
		return fmt.Errorf("batch update of %d cells failed: %w", len(updates), err)
	}

	c.logger.Info("Updated cells", "count", len(updates))
	return nil
}

// WriteCell updates a single cell. Same semantics as one entry of
// WriteCells; used as the fallback path when the grouped write fails.
func (c *Client) WriteCell(ctx context.Context, addr models.CellAddress, value string) error {
	vr := valueRange{Values: [][]string{{value}}}
	body, err := json.Marshal(vr)
	if err != nil {
		return fmt.Errorf("failed to marshal cell update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueInputOption=RAW",
		c.baseURL, url.PathEscape(c.spreadsheetID), url.PathEscape(c.cellRange(addr)))
	if _, err := c.do(ctx, http.MethodPut, endpoint, body); err != nil {
		return fmt.Errorf("update of cell %s failed: %w", addr, err)
	}
	return nil
}

// cellRange qualifies a cell address with the sheet name, e.g. "Sheet1!B12".
func (c *Client) cellRange(addr models.CellAddress) string {
	return fmt.Sprintf("%s!%s", c.sheetName, addr)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		preview := respBody
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, fmt.Errorf("sheets API returned status %d: %s", resp.StatusCode, preview)
	}
	return respBody, nil
}
