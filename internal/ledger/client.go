// Package ledger anchors report hashes with the external minting service.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"inspection/api/internal/logger"
)

// Payload is the minimal metadata sent for anchoring.
type Payload struct {
	PlateNumber string `json:"plateNumber"`
	ContentHash string `json:"contentHash"`
	PrettyID    string `json:"prettyId,omitempty"`
}

// Receipt identifies the ledger transaction and minted asset.
type Receipt struct {
	TxRef    string `json:"txRef"`
	AssetRef string `json:"assetRef"`
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client posts anchoring requests. Calls are never retried here; a failed
// anchor surfaces to the caller.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing LEDGER_URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		log:        log.With("client", "LedgerClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("ledger http %d: %s", e.StatusCode, msg)
}

func (c *Client) Anchor(ctx context.Context, payload Payload) (Receipt, error) {
	if strings.TrimSpace(payload.ContentHash) == "" {
		return Receipt{}, errors.New("ledger: content hash required")
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/anchors", &buf)
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("read ledger response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: string(raw)}
		var parsed errorResponse
		if json.Unmarshal(raw, &parsed) == nil {
			if parsed.Message != "" {
				httpErr.Message = parsed.Message
			} else if parsed.Error != "" {
				httpErr.Message = parsed.Error
			}
		}
		c.log.Warn("Ledger anchor rejected", "status", resp.StatusCode, "content_hash", payload.ContentHash)
		return Receipt{}, httpErr
	}

	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("decode ledger response: %w", err)
	}
	if receipt.TxRef == "" || receipt.AssetRef == "" {
		return Receipt{}, errors.New("ledger response missing txRef or assetRef")
	}
	return receipt, nil
}
