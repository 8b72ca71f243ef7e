package keelsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Keel HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Enterprise represents the API enterprise model.
type Enterprise struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Decision represents the API decision model (partial).
type Decision struct {
	ID              string          `json:"id"`
	EnterpriseID    string          `json:"enterprise_id,omitempty"`
	Title           string          `json:"title"`
	Status          string          `json:"status"`
	ArtifactVersion *int            `json:"artifact_version,omitempty"`
	Owner           string          `json:"owner,omitempty"`
	Artifact        json.RawMessage `json:"artifact,omitempty"`
	ArtifactHash    string          `json:"artifact_hash,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// ArtifactVersion is one immutable artifact snapshot.
type ArtifactVersion struct {
	DecisionID string          `json:"decision_id"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	Hash       string          `json:"hash"`
	CreatedAt  string          `json:"created_at"`
}

// LedgerEvent is one entry of the governance ledger.
type LedgerEvent struct {
	ID              int64           `json:"id"`
	DecisionID      string          `json:"decision_id"`
	Type            string          `json:"type"`
	ArtifactVersion *int            `json:"artifact_version,omitempty"`
	ArtifactHash    string          `json:"artifact_hash,omitempty"`
	ActorID         string          `json:"actor_id"`
	TS              string          `json:"ts"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEnterprise creates an enterprise.
func (c *Client) CreateEnterprise(ctx context.Context, name string) (Enterprise, error) {
	var resp Enterprise
	err := c.do(ctx, http.MethodPost, "v0/enterprises", map[string]any{"name": name}, &resp)
	return resp, err
}

// CreateDecision creates a draft decision.
func (c *Client) CreateDecision(ctx context.Context, enterpriseID, title, owner string) (Decision, error) {
	body := map[string]any{"title": title}
	if enterpriseID != "" {
		body["enterprise_id"] = enterpriseID
	}
	if owner != "" {
		body["owner"] = owner
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/decisions", body, &resp)
	return resp, err
}

// GetDecision fetches a decision with its latest artifact.
func (c *Client) GetDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, c.decisionPath(id, ""), nil, &resp)
	return resp, err
}

// SubmitArtifact appends a full artifact version.
func (c *Client) SubmitArtifact(ctx context.Context, decisionID string, payload any) (ArtifactVersion, error) {
	var resp ArtifactVersion
	err := c.do(ctx, http.MethodPost, c.decisionPath(decisionID, "artifact"), map[string]any{"payload": payload}, &resp)
	return resp, err
}

// PatchArtifact merges a patch into the latest artifact as a new version.
func (c *Client) PatchArtifact(ctx context.Context, decisionID string, patch any) (ArtifactVersion, error) {
	var resp ArtifactVersion
	err := c.do(ctx, http.MethodPatch, c.decisionPath(decisionID, "artifact"), map[string]any{"payload": patch}, &resp)
	return resp, err
}

// Finalize moves a draft decision to finalized.
func (c *Client) Finalize(ctx context.Context, decisionID string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.decisionPath(decisionID, "finalize"), nil, &resp)
	return resp, err
}

// SignOff moves a finalized decision to signed_off.
func (c *Client) SignOff(ctx context.Context, decisionID string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.decisionPath(decisionID, "signoff"), nil, &resp)
	return resp, err
}

// CommitPlan commits the execution plan for a decision.
func (c *Client) CommitPlan(ctx context.Context, decisionID string, mustDoIDs []string, note string) (ArtifactVersion, error) {
	body := map[string]any{"must_do_ids": mustDoIDs}
	if note != "" {
		body["note"] = note
	}
	var resp ArtifactVersion
	err := c.do(ctx, http.MethodPost, c.decisionPath(decisionID, "plan"), body, &resp)
	return resp, err
}

// Events lists a decision's ledger events, oldest first.
func (c *Client) Events(ctx context.Context, decisionID string, limit int) ([]LedgerEvent, error) {
	endpoint := c.decisionPath(decisionID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []LedgerEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EnterpriseHealth fetches the composite health score.
func (c *Client) EnterpriseHealth(ctx context.Context, enterpriseID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.enterprisePath(enterpriseID, "health"), nil, &resp)
	return resp, err
}

// EnterpriseReadinessIndex fetches the capital-readiness index.
func (c *Client) EnterpriseReadinessIndex(ctx context.Context, enterpriseID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.enterprisePath(enterpriseID, "readiness-index"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) decisionPath(id, p string) string {
	base := fmt.Sprintf("v0/decisions/%s", url.PathEscape(id))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) enterprisePath(id, p string) string {
	base := fmt.Sprintf("v0/enterprises/%s", url.PathEscape(id))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
