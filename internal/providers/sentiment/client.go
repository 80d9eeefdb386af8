// Package sentiment is a thin client for the upstream sentiment analysis
// microservice. It owns the deterministic cache-key scheme for sentiment
// requests; everything else is plain HTTP.
package sentiment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hrvstr/hrvstr-go/internal/fetch"
)

const (
	keyPrefix      = "sentiment:"
	requestTimeout = 30 * time.Second
)

// AnalyzeRequest is the payload for a batch sentiment analysis.
type AnalyzeRequest struct {
	Texts   []string          `json:"texts"`
	Tickers []string          `json:"tickers,omitempty"`
	Source  string            `json:"source"`
	Options map[string]string `json:"options,omitempty"`
}

// Client calls the sentiment analysis service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Analyze runs a batch analysis and returns the raw response payload.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call sentiment service: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read sentiment response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sentiment service returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}
	return json.RawMessage(payload), nil
}

// Healthy reports whether the service answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Fetcher adapts an analyze request into the fetch callback shape the
// request coordinator consumes.
func (c *Client) Fetcher(req AnalyzeRequest) fetch.Func {
	return func(ctx context.Context) (any, error) {
		return c.Analyze(ctx, req)
	}
}

// CacheKey derives a deterministic key for an analyze request: inputs are
// sorted and canonicalized before hashing so that equivalent requests from
// different devices share one cache entry. Shape:
// sentiment:<source>:<16 hex chars of sha256>.
func CacheKey(req AnalyzeRequest) string {
	texts := append([]string(nil), req.Texts...)
	sort.Strings(texts)
	tickers := append([]string(nil), req.Tickers...)
	sort.Strings(tickers)

	optionKeys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		optionKeys = append(optionKeys, k)
	}
	sort.Strings(optionKeys)

	h := sha256.New()
	for _, t := range texts {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	for _, t := range tickers {
		h.Write([]byte(t))
		h.Write([]byte{1})
	}
	h.Write([]byte(req.Source))
	h.Write([]byte{2})
	for _, k := range optionKeys {
		h.Write([]byte(k))
		h.Write([]byte{3})
		h.Write([]byte(req.Options[k]))
		h.Write([]byte{4})
	}

	digest := hex.EncodeToString(h.Sum(nil))[:16]
	return keyPrefix + req.Source + ":" + digest
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
