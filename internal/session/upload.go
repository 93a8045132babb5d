// ABOUTME: Binary file upload against a signed URL issued by the messaging backend
// ABOUTME: The Uploader is the narrow collaborator the engine PUTs file bytes through

package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/2389/ums-session/internal/protocol"
)

// Uploader stores file bytes at a signed URL.
type Uploader interface {
	Put(ctx context.Context, signedURL, contentType string, data []byte) error
}

// HTTPUploader PUTs files over HTTP.
type HTTPUploader struct {
	client *http.Client
}

// NewHTTPUploader creates an uploader with the given request timeout.
func NewHTTPUploader(timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{client: &http.Client{Timeout: timeout}}
}

// Put uploads data to signedURL.
func (u *HTTPUploader) Put(ctx context.Context, signedURL, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// signedURL joins the upload domain with a backend-issued location.
func signedURL(domain string, u protocol.UploadURL) string {
	base := strings.TrimSuffix(domain, "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	rel := u.RelativePath
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	if len(u.QueryParams) == 0 {
		return base + rel
	}
	q := url.Values{}
	for k, v := range u.QueryParams {
		q.Set(k, v)
	}
	return base + rel + "?" + q.Encode()
}

// fileType maps a file name to the upper-case extension the backend expects.
func fileType(name, contentType string) string {
	if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" {
		return strings.ToUpper(ext)
	}
	if i := strings.IndexByte(contentType, '/'); i >= 0 {
		return strings.ToUpper(contentType[i+1:])
	}
	return ""
}
