// Package dispatch hands a memory's audio to the external
// transcription worker over HTTP.
package dispatch

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
)

const defaultTimeout = 30 * time.Second

// ErrNotConfigured is returned when the worker base address or shared
// secret is missing. This is a fatal configuration error, never
// retried.
var ErrNotConfigured = errors.New("worker is not configured: set worker base URL and secret")

// SecretHeader carries the shared secret on both the outbound process
// call and the inbound callback.
const SecretHeader = "X-Worker-Secret"

// Client calls the external worker's /process endpoint.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient creates a Client. Either argument may be empty; Dispatch
// then fails with ErrNotConfigured.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type processRequest struct {
	MemoryID string `json:"memoryId"`
	AudioURL string `json:"audioUrl"`
}

// Dispatch asks the worker to process audioURL for memoryID. The call
// returns once the worker accepts the job; transcription itself
// completes later via the worker callback. On transport failure
// against a localhost base URL, one retry is made against the IPv4
// loopback form of the same address to cover dual-stack resolution
// mismatches.
func (c *Client) Dispatch(ctx context.Context, memoryID, audioURL string) error {
	if c.baseURL == "" || c.secret == "" {
		return ErrNotConfigured
	}

	err := c.call(ctx, c.baseURL, memoryID, audioURL)
	if err == nil {
		return nil
	}

	var transport *transportError
	if errors.As(err, &transport) && strings.Contains(c.baseURL, "://localhost:") {
		ipv4Base := strings.Replace(c.baseURL, "://localhost:", "://127.0.0.1:", 1)
		if retryErr := c.call(ctx, ipv4Base, memoryID, audioURL); retryErr == nil {
			return nil
		} else {
			return fmt.Errorf("worker unreachable at %s/process: %w", ipv4Base, retryErr)
		}
	}

	return fmt.Errorf("worker unreachable at %s/process: %w", c.baseURL, err)
}

// transportError marks failures before an HTTP status was received;
// only these qualify for the address-family fallback.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) call(ctx context.Context, base, memoryID, audioURL string) error {
	body, err := json.Marshal(processRequest{MemoryID: memoryID, AudioURL: audioURL})
	if err != nil {
		return fmt.Errorf("marshaling process request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/process", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		msg := strings.TrimSpace(string(detail))
		if msg != "" {
			msg = " " + msg
		}
		return fmt.Errorf("worker HTTP %d.%s", resp.StatusCode, msg)
	}
	return nil
}
