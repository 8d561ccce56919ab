package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client posts raw file blobs to the upload endpoint.
type Client struct {
	uploadURL  string
	httpClient *http.Client
}

func NewClient(uploadURL string) *Client {
	return &Client{
		uploadURL:  uploadURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Upload(ctx context.Context, file File, onProgress func(float64)) (string, error) {
	if onProgress != nil {
		onProgress(0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(file.Data))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Name", file.Name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}

	var body struct {
		RemoteURL string `json:"remoteUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if body.RemoteURL == "" {
		return "", fmt.Errorf("%w: empty remote url", ErrUploadFailed)
	}

	if onProgress != nil {
		onProgress(1)
	}
	return body.RemoteURL, nil
}
