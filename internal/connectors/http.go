package connectors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type httpConnector struct {
	client *http.Client
}

// NewHTTPConnector downloads over http and https. A nil client gets a 30s timeout.
func NewHTTPConnector(client *http.Client) Connector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpConnector{client: client}
}

func (h *httpConnector) Name() string {
	return "http"
}

func (h *httpConnector) Schemes() []string {
	return []string{"http", "https"}
}

func (h *httpConnector) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed. Status: %d", resp.StatusCode)
	}
	return readLimited(resp.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}
