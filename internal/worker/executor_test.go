package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const executorSecret = "executor-secret"

func TestExecuteSendsSignedPayload(t *testing.T) {
	var gotBody []byte
	var gotSignature, gotEntityHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Runner-Signature")
		gotEntityHeader = r.Header.Get("X-Runner-Entity-ID")
		json.NewEncoder(w).Encode(executeResponse{Success: true, Result: json.RawMessage(`{"message_id":"m-1"}`)})
	}))
	defer srv.Close()

	res := NewHTTPExecutor(srv.URL, executorSecret).Execute(context.Background(), 101, "https://cfg/ref")

	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if !res.Success {
		t.Error("expected success verdict")
	}

	var payload executePayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.EntityID != 101 || payload.ConfigURL != "https://cfg/ref" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if gotEntityHeader != "101" {
		t.Errorf("expected entity id header 101, got %q", gotEntityHeader)
	}

	mac := hmac.New(sha256.New, []byte(executorSecret))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSignature != want {
		t.Errorf("signature mismatch: got %q want %q", gotSignature, want)
	}
}

func TestExecuteRelaysFailureVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(executeResponse{
			Success:    false,
			ErrorClass: "submit_denied",
			PolicyFlag: true,
		})
	}))
	defer srv.Close()

	res := NewHTTPExecutor(srv.URL, executorSecret).Execute(context.Background(), 101, "https://cfg/ref")

	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.Success || res.ErrorClass != "submit_denied" || !res.PolicyFlag {
		t.Errorf("unexpected verdict: %+v", res)
	}
}

func TestExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := NewHTTPExecutor(srv.URL, executorSecret).Execute(context.Background(), 101, "https://cfg/ref")

	if res.Error == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestExecuteTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	exec := NewHTTPExecutor(srv.URL, executorSecret).WithTimeout(20 * time.Millisecond)
	res := exec.Execute(context.Background(), 101, "https://cfg/ref")

	if res.Error == nil {
		t.Fatal("expected timeout error")
	}
	if classifyError(res.Error) != "timeout" {
		t.Errorf("expected timeout classification, got %q", classifyError(res.Error))
	}
}
