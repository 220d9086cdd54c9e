// Package imagehost uploads images to an imgbb-compatible hosting API.
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"time"
)

// MaxImageBytes is the largest payload accepted for upload.
const MaxImageBytes = 5 << 20

var (
	ErrEmptyImage      = errors.New("imagehost: image is empty")
	ErrTooLarge        = errors.New("imagehost: image exceeds 5MB")
	ErrUnsupportedType = errors.New("imagehost: unsupported image type (allowed: jpeg, png, gif)")
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
}

// UploadError reports a failed upload: a non-2xx status or a response body
// whose success flag is false.
type UploadError struct {
	Status  int
	Message string
}

func (e *UploadError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("imagehost: upload failed with status %d", e.Status)
	}
	return fmt.Sprintf("imagehost: upload failed with status %d: %s", e.Status, e.Message)
}

// Uploader is what the upload endpoint depends on.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

type Client struct {
	HTTP     *http.Client
	Endpoint string
	APIKey   string
}

var _ Uploader = (*Client)(nil)

func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	return &Client{
		Endpoint: endpoint,
		APIKey:   apiKey,
		HTTP: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type uploadResponse struct {
	Data struct {
		ID         string `json:"id"`
		URL        string `json:"url"`
		DisplayURL string `json:"display_url"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Validate checks size and sniffed content type and returns the type.
func Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if len(data) > MaxImageBytes {
		return "", ErrTooLarge
	}
	contentType := http.DetectContentType(data)
	if !allowedTypes[contentType] {
		return "", ErrUnsupportedType
	}
	return contentType, nil
}

func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if _, err := Validate(data); err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	endpoint, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("imagehost: invalid endpoint: %w", err)
	}
	if c.APIKey != "" {
		q := endpoint.Query()
		q.Set("key", c.APIKey)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UploadError{Status: resp.StatusCode, Message: errorMessage(payload)}
	}

	var out uploadResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", &UploadError{Status: resp.StatusCode, Message: "invalid response body"}
	}
	if !out.Success || out.Data.URL == "" {
		return "", &UploadError{Status: resp.StatusCode, Message: "upload not successful"}
	}
	return out.Data.URL, nil
}

func errorMessage(payload []byte) string {
	var out uploadResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return ""
	}
	return out.Error.Message
}
