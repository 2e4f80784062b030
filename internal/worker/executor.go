package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

const defaultExecuteTimeout = 120 * time.Second

// HTTPExecutor drives the external automation executor over HTTP.
type HTTPExecutor struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPExecutor(url, secret string) *HTTPExecutor {
	return &HTTPExecutor{
		url:     url,
		secret:  secret,
		timeout: defaultExecuteTimeout,
		client:  &http.Client{},
	}
}

// WithTimeout overrides the per-entity execution timeout.
func (e *HTTPExecutor) WithTimeout(d time.Duration) *HTTPExecutor {
	if d > 0 {
		e.timeout = d
	}
	return e
}

type executePayload struct {
	EntityID  int64  `json:"entity_id"`
	ConfigURL string `json:"config_url"`
}

type executeResponse struct {
	Success    bool            `json:"success"`
	ErrorClass string          `json:"error_class"`
	Result     json.RawMessage `json:"result"`
	PolicyFlag bool            `json:"policy_flag"`
}

// Execute posts one entity to the executor and returns its verdict.
// Headers: X-Runner-Entity-ID, X-Runner-Signature (HMAC-SHA256 of the body).
func (e *HTTPExecutor) Execute(ctx context.Context, entityID int64, configURL string) ExecResult {
	start := time.Now()

	body, err := json.Marshal(executePayload{EntityID: entityID, ConfigURL: configURL})
	if err != nil {
		return ExecResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return ExecResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Runner-Entity-ID", fmt.Sprintf("%d", entityID))
	httpReq.Header.Set("X-Runner-Signature", computeSignature(e.secret, body))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return ExecResult{Error: fmt.Errorf("execute: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ExecResult{
			Error:    fmt.Errorf("executor returned status %d", resp.StatusCode),
			Duration: time.Since(start),
		}
	}

	var verdict executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return ExecResult{Error: fmt.Errorf("decode verdict: %w", err), Duration: time.Since(start)}
	}

	return ExecResult{
		Success:    verdict.Success,
		ErrorClass: verdict.ErrorClass,
		Result:     verdict.Result,
		PolicyFlag: verdict.PolicyFlag,
		Duration:   time.Since(start),
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// classifyError maps a transport-level failure to the executor taxonomy.
// Only timeouts get a specific class; everything else the executor never
// classified is unknown.
func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return domain.ErrorClassTimeout
	}
	return domain.ErrorClassUnknown
}
