package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/lfarias/pchat/internal/backend"
)

// Upload stores content under path in the configured bucket and returns the
// stored object path.
func (c *Client) Upload(ctx context.Context, path, contentType string, content io.Reader) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/storage/v1/object/"+c.bucket+"/"+path, content)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "max-age=3600")

	// The response Key is bucket-qualified; the bare object path is what
	// PublicURL expects, so that is what callers get back.
	var stored struct {
		Key string `json:"Key"`
	}
	if err := c.do(req, &stored); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return path, nil
}

// PublicURL derives the retrievable URL for a stored object path.
func (c *Client) PublicURL(path string) string {
	return c.baseURL + "/storage/v1/object/public/" + c.bucket + "/" + path
}

var _ backend.Blobs = (*Client)(nil)
