package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EAPIConfig carries the connection parameters for an Arista eAPI
// endpoint.
type EAPIConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Scheme is "https" (default) or "http".
	Scheme string
}

// EAPIClient speaks JSON-RPC 2.0 to an Arista eAPI endpoint.
type EAPIClient struct {
	cfg    EAPIConfig
	http   *http.Client
	logger *zap.Logger
}

// NewEAPIClient creates an eAPI client. A nil httpClient uses
// http.DefaultClient.
func NewEAPIClient(cfg EAPIConfig, httpClient *http.Client, logger *zap.Logger) *EAPIClient {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Port == 0 {
		if cfg.Scheme == "https" {
			cfg.Port = 443
		} else {
			cfg.Port = 80
		}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EAPIClient{cfg: cfg, http: httpClient, logger: logger}
}

type eapiRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  eapiParams `json:"params"`
	ID      string     `json:"id"`
}

type eapiParams struct {
	Version int           `json:"version"`
	Cmds    []interface{} `json:"cmds"`
	Format  string        `json:"format"`
}

type eapiResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *eapiError        `json:"error"`
}

type eapiError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    []json.RawMessage `json:"data"`
}

// EAPIError is a failed runCmds call. Data holds the per-command
// results the device produced before and including the failure, so the
// failing command is Commands[len(Data)-1].
type EAPIError struct {
	Code     int
	Message  string
	Commands []string
	Data     []json.RawMessage
}

func (e *EAPIError) Error() string {
	return fmt.Sprintf("eAPI error %d: %s", e.Code, e.Message)
}

// Enable runs commands in privileged mode. Format is "json" or "text".
// On success the returned slice has one entry per command.
func (c *EAPIClient) Enable(ctx context.Context, commands []string, format string) ([]json.RawMessage, error) {
	cmds := make([]interface{}, 0, len(commands)+1)
	cmds = append(cmds, "enable")
	for _, cmd := range commands {
		cmds = append(cmds, cmd)
	}
	result, err := c.runCmds(ctx, cmds, format)
	if err != nil {
		var apiErr *EAPIError
		if errors.As(err, &apiErr) {
			apiErr.Commands = commands
			// Discard the "enable" entry so indexes line up with
			// the caller's command list.
			if len(apiErr.Data) > 0 {
				apiErr.Data = apiErr.Data[1:]
			}
			return nil, apiErr
		}
		return nil, err
	}
	if len(result) > 0 {
		result = result[1:]
	}
	return result, nil
}

// Config runs commands inside a configure session.
func (c *EAPIClient) Config(ctx context.Context, commands []string) ([]json.RawMessage, error) {
	wrapped := make([]string, 0, len(commands)+1)
	wrapped = append(wrapped, "configure")
	wrapped = append(wrapped, commands...)
	result, err := c.Enable(ctx, wrapped, "json")
	if err != nil {
		var apiErr *EAPIError
		if errors.As(err, &apiErr) {
			apiErr.Commands = commands
			if len(apiErr.Data) > 0 {
				apiErr.Data = apiErr.Data[1:]
			}
			return nil, apiErr
		}
		return nil, err
	}
	if len(result) > 0 {
		result = result[1:]
	}
	return result, nil
}

func (c *EAPIClient) runCmds(ctx context.Context, cmds []interface{}, format string) ([]json.RawMessage, error) {
	if format == "" {
		format = "json"
	}
	reqBody := eapiRequest{
		JSONRPC: "2.0",
		Method:  "runCmds",
		Params:  eapiParams{Version: 1, Cmds: cmds, Format: format},
		ID:      uuid.NewString(),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s://%s:%d/command-api", c.cfg.Scheme, c.cfg.Host, c.cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eAPI request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("eAPI returned status %d", resp.StatusCode)
	}

	var decoded eapiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode eAPI response: %w", err)
	}
	if decoded.Error != nil {
		return nil, &EAPIError{
			Code:    decoded.Error.Code,
			Message: decoded.Error.Message,
			Data:    decoded.Error.Data,
		}
	}
	return decoded.Result, nil
}
