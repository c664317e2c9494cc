package vaultlinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vaultline HTTP API client. The API is read only; any
// mutation goes through the vault filesystem, not this client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Record represents the API record model (partial, no body on listings).
type Record struct {
	ID          string   `json:"id"`
	Stem        string   `json:"stem"`
	Stage       string   `json:"stage"`
	Kind        string   `json:"kind"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Attempts    int      `json:"attempts"`
	LastError   string   `json:"last_error,omitempty"`
	SourceFile  string   `json:"source_file,omitempty"`
	DetectedAt  string   `json:"detected_at,omitempty"`
	Quarantined bool     `json:"quarantined,omitempty"`
	Refs        []string `json:"refs,omitempty"`
	Body        string   `json:"body,omitempty"`
}

// AuditEntry represents one ledger line.
type AuditEntry struct {
	TS       string `json:"ts"`
	Actor    string `json:"actor"`
	RecordID string `json:"record_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// Status summarizes a vault.
type Status struct {
	VaultID     string         `json:"vault_id"`
	Stages      map[string]int `json:"stages"`
	Quarantined int            `json:"quarantined"`
	GeneratedAt string         `json:"generated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", nil)
}

// Status returns per-stage record counts.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, "status", &resp)
	return resp, err
}

// Records lists the records currently in a stage.
func (c *Client) Records(ctx context.Context, stage string) ([]Record, error) {
	var resp []Record
	err := c.do(ctx, "records/"+url.PathEscape(stage), &resp)
	return resp, err
}

// Record fetches one record by id, body included.
func (c *Client) Record(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, "records/id/"+url.PathEscape(id), &resp)
	return resp, err
}

// Quarantine lists records parked after exhausting retries.
func (c *Client) Quarantine(ctx context.Context) ([]Record, error) {
	var resp []Record
	err := c.do(ctx, "quarantine", &resp)
	return resp, err
}

// AuditTail returns the n most recent audit entries.
func (c *Client) AuditTail(ctx context.Context, n int) ([]AuditEntry, error) {
	endpoint := "audit/tail"
	if n > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, n)
	}
	var resp []AuditEntry
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
