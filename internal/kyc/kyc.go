package kyc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Verifier decides whether a user may be relayed for.
type Verifier interface {
	Verify(ctx context.Context, userID string, payload json.RawMessage) (bool, error)
}

// AllowAll approves every user. It is the verifier used when none is configured.
type AllowAll struct{}

func (AllowAll) Verify(context.Context, string, json.RawMessage) (bool, error) { return true, nil }

// HTTPVerifier asks an external service. The service receives
// {"user_id": ..., "payload": ...} and answers {"approved": bool}.
type HTTPVerifier struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPVerifier creates a verifier with optional proxy support.
func NewHTTPVerifier(endpoint string, timeout time.Duration, proxyURL string) *HTTPVerifier {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout, Transport: transport},
	}
}

type verifyRequest struct {
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type verifyResponse struct {
	Approved *bool `json:"approved"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, userID string, payload json.RawMessage) (bool, error) {
	body, err := json.Marshal(verifyRequest{UserID: userID, Payload: payload})
	if err != nil {
		return false, fmt.Errorf("marshal kyc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build kyc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("kyc request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("kyc service error: status %d, body: %s", resp.StatusCode, string(b))
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode kyc response: %w", err)
	}
	if out.Approved == nil {
		return false, fmt.Errorf("kyc response missing approved field")
	}
	return *out.Approved, nil
}
