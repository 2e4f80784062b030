// Package backend implements the compute backend clients: the quick
// serverless job runner and the preemptible batch pool. Both speak the same
// JSON-over-HTTP control-plane contract, so one client type serves both
// kinds; the variant set is closed and chosen by configuration.
package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/dispatch"
	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Client is a control-plane client for one backend kind.
type Client struct {
	kind    domain.BackendKind
	baseURL string
	secret  string
	client  *http.Client
}

// NewQuickServerless builds the client for the serverless job runner.
func NewQuickServerless(baseURL, secret string) *Client {
	return newClient(domain.BackendQuickServerless, baseURL, secret)
}

// NewBatchPool builds the client for the preemptible batch pool.
func NewBatchPool(baseURL, secret string) *Client {
	return newClient(domain.BackendBatchPool, baseURL, secret)
}

func newClient(kind domain.BackendKind, baseURL, secret string) *Client {
	return &Client{
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) Kind() domain.BackendKind { return c.kind }

type submitPayload struct {
	ExecutionID string  `json:"execution_id"`
	CampaignID  int64   `json:"campaign_id"`
	TaskCount   int     `json:"task_count"`
	Parallelism int     `json:"parallelism"`
	VCPU        float64 `json:"vcpu"`
	MemoryMB    int     `json:"memory_mb"`
	Spot        bool    `json:"spot"`
	ConfigURL   string  `json:"config_url"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type describeResponse struct {
	State string `json:"state"`
}

// Submit starts a run and returns the backend's run id.
func (c *Client) Submit(ctx context.Context, req dispatch.BackendRequest) (string, error) {
	payload := submitPayload{
		ExecutionID: req.ExecutionID.String(),
		CampaignID:  req.CampaignID,
		TaskCount:   req.TaskCount,
		Parallelism: req.Parallelism,
		VCPU:        req.Machine.VCPU,
		MemoryMB:    req.Machine.MemoryMB,
		Spot:        req.Spot,
		ConfigURL:   req.ConfigURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Runner-Execution-ID", payload.ExecutionID)
	httpReq.Header.Set("X-Runner-Signature", computeSignature(c.secret, body))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("submit: %s returned %d: %s", c.kind, resp.StatusCode, readSnippet(resp.Body))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit: decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("submit: %s returned no run id", c.kind)
	}
	return out.ID, nil
}

// Cancel requests teardown of a run. A 404 means the run is already gone
// and counts as success, keeping cancellation idempotent.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs/"+handle+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("X-Runner-Signature", computeSignature(c.secret, []byte(handle)))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel: %s returned %d: %s", c.kind, resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

// Describe reports the backend's view of a run.
func (c *Client) Describe(ctx context.Context, handle string) (domain.ExecutionStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+handle, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("X-Runner-Signature", computeSignature(c.secret, []byte(handle)))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("describe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", dispatch.ErrRunNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("describe: %s returned %d: %s", c.kind, resp.StatusCode, readSnippet(resp.Body))
	}

	var out describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("describe: decode response: %w", err)
	}
	return mapState(out.State)
}

func mapState(state string) (domain.ExecutionStatus, error) {
	switch state {
	case "pending", "queued":
		return domain.ExecutionStatusSubmitted, nil
	case "running":
		return domain.ExecutionStatusRunning, nil
	case "succeeded":
		return domain.ExecutionStatusSucceeded, nil
	case "failed":
		return domain.ExecutionStatusFailed, nil
	case "cancelled":
		return domain.ExecutionStatusCancelled, nil
	default:
		return "", fmt.Errorf("describe: unknown state %q", state)
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

// Compile-time interface assertion
var _ dispatch.Backend = (*Client)(nil)
