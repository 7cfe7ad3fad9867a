package blobstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const remoteUploadTimeout = 30 * time.Second

// ErrRemoteNotConfigured is returned when the remote store credentials
// are absent; callers fall back to local disk.
var ErrRemoteNotConfigured = errors.New("remote store credentials missing")

// RemoteStore uploads audio objects to the primary object store over
// HTTP and mints time-limited signed URLs for them. The signing secret
// never leaves the server; a holder of only the object id cannot forge
// a URL.
type RemoteStore struct {
	baseURL    string
	cdnURL     string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewRemoteStore creates a RemoteStore. Any of the arguments may be
// empty; Upload then fails with ErrRemoteNotConfigured so the gateway
// can fall back.
func NewRemoteStore(baseURL, cdnURL, apiKey, apiSecret string) *RemoteStore {
	return &RemoteStore{
		baseURL:   strings.TrimRight(baseURL, "/"),
		cdnURL:    strings.TrimRight(cdnURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: remoteUploadTimeout,
		},
	}
}

func (s *RemoteStore) configured() bool {
	return s.baseURL != "" && s.apiKey != "" && s.apiSecret != ""
}

// Upload stores data under publicID, overwriting any previous object
// with the same id.
func (s *RemoteStore) Upload(ctx context.Context, publicID, mimeType string, data []byte) error {
	if !s.configured() {
		return ErrRemoteNotConfigured
	}

	url := s.baseURL + "/v1/objects/" + publicID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading object %s: %w", publicID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		detail := strings.TrimSpace(string(body))
		if detail != "" {
			detail = ": " + detail
		}
		return fmt.Errorf("remote store returned %d for %s%s", resp.StatusCode, publicID, detail)
	}
	return nil
}

// SignedURL returns a time-limited delivery URL for publicID. The
// signature covers the object id and expiry, keyed by the store secret.
func (s *RemoteStore) SignedURL(publicID string, ttl time.Duration) string {
	base := s.cdnURL
	if base == "" {
		base = s.baseURL
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/%s?exp=%d&sig=%s", base, publicID, expires, s.sign(publicID, expires))
}

func (s *RemoteStore) sign(publicID string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	fmt.Fprintf(mac, "%s|%d", publicID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
