package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/api"
)

const defaultQueueTimeout = 15 * time.Second

// QueueAPIClient talks to the queue service's HTTP endpoints. One client is
// bound to a single (campaign, target date) pair for its lifetime.
type QueueAPIClient struct {
	baseURL    string
	campaignID int64
	targetDate string
	shard      *int
	client     *http.Client
}

func NewQueueAPIClient(baseURL string, campaignID int64, targetDate time.Time) *QueueAPIClient {
	return &QueueAPIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		campaignID: campaignID,
		targetDate: targetDate.UTC().Format("2006-01-02"),
		client:     &http.Client{Timeout: defaultQueueTimeout},
	}
}

// WithShard restricts all claims to one shard.
func (c *QueueAPIClient) WithShard(shard int) *QueueAPIClient {
	c.shard = &shard
	return c
}

func (c *QueueAPIClient) Claim(ctx context.Context, holderID string, limit int) ([]int64, error) {
	req := api.ClaimRequest{
		CampaignID: c.campaignID,
		TargetDate: c.targetDate,
		HolderID:   holderID,
		Shard:      c.shard,
		Limit:      limit,
	}
	var resp api.ClaimResponse
	if err := c.post(ctx, "/queue/claim", req, &resp); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return resp.EntityIDs, nil
}

func (c *QueueAPIClient) Complete(ctx context.Context, report CompletionReport) error {
	req := api.CompleteRequest{
		CampaignID: c.campaignID,
		TargetDate: c.targetDate,
		EntityID:   report.EntityID,
		HolderID:   report.HolderID,
		Success:    report.Success,
		ErrorClass: report.ErrorClass,
		Result:     report.Result,
		PolicyFlag: report.PolicyFlag,
	}
	var resp api.CompleteResponse
	if err := c.post(ctx, "/queue/complete", req, &resp); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func (c *QueueAPIClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readSnippet returns a short prefix of the body for error messages.
func readSnippet(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 256))
	if err != nil || len(data) == 0 {
		return "<no body>"
	}
	return strings.TrimSpace(string(data))
}
