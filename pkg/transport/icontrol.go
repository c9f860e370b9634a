package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"
)

// uploadChunkSize is the Content-Range slice used for image uploads.
const uploadChunkSize = 512 * 1024

// IControlConfig carries the connection parameters for an F5 iControl
// REST endpoint.
type IControlConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// IControlClient is a thin F5 iControl REST client.
type IControlClient struct {
	cfg    IControlConfig
	http   *http.Client
	logger *zap.Logger
}

// NewIControlClient creates an iControl client. A nil httpClient uses
// http.DefaultClient.
func NewIControlClient(cfg IControlConfig, httpClient *http.Client, logger *zap.Logger) *IControlClient {
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IControlClient{cfg: cfg, http: httpClient, logger: logger}
}

// IControlError is a non-2xx REST response.
type IControlError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *IControlError) Error() string {
	return fmt.Sprintf("iControl %s returned status %d: %s", e.Path, e.StatusCode, e.Body)
}

func (c *IControlClient) url(p string) string {
	return fmt.Sprintf("https://%s:%d%s", c.cfg.Host, c.cfg.Port, p)
}

// Get fetches path and decodes the JSON response into out.
func (c *IControlClient) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON to path and decodes the response into out.
// Either may be nil.
func (c *IControlClient) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *IControlClient) do(ctx context.Context, method, p string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(p), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("iControl request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &IControlError{StatusCode: resp.StatusCode, Path: p, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Bash runs a shell command on the device through the util/bash
// endpoint and returns its output.
func (c *IControlClient) Bash(ctx context.Context, command string) (string, error) {
	body := map[string]string{
		"command":     "run",
		"utilCmdArgs": fmt.Sprintf("-c %q", command),
	}
	var out struct {
		CommandResult string `json:"commandResult"`
	}
	if err := c.Post(ctx, "/mgmt/tm/util/bash", body, &out); err != nil {
		return "", err
	}
	return out.CommandResult, nil
}

// UploadImage streams a local software image to the device in
// Content-Range chunks. The device stores it under /shared/images.
func (c *IControlClient) UploadImage(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	size := st.Size()
	name := path.Base(localPath)
	uploadPath := "/mgmt/cm/autodeploy/software-image-uploads/" + name

	buf := make([]byte, uploadChunkSize)
	var start int64
	for start < size {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if n == 0 {
				break
			}
		} else if err != nil {
			return fmt.Errorf("failed to read %s: %w", localPath, err)
		}
		end := start + int64(n) - 1

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(uploadPath), bytes.NewReader(buf[:n]))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Range", fmt.Sprintf("%d-%d/%d", start, end, size))
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("image upload failed at offset %d: %w", start, err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &IControlError{StatusCode: resp.StatusCode, Path: uploadPath, Body: strings.TrimSpace(string(raw))}
		}
		start = end + 1
	}
	c.logger.Info("image uploaded",
		zap.String("host", c.cfg.Host),
		zap.String("image", name),
		zap.Int64("bytes", size),
	)
	return nil
}
