package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// NXAPIConfig carries the connection parameters for a Cisco NX-API
// endpoint.
type NXAPIConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Scheme is "http" (NX-API default) or "https".
	Scheme string
}

// NXAPIClient speaks the ins_api JSON protocol to a Nexus switch.
//
// Commands are sent one HTTP request at a time, in order, so a failing
// command leaves everything after it untouched on the device.
type NXAPIClient struct {
	cfg    NXAPIConfig
	http   *http.Client
	logger *zap.Logger
}

// NewNXAPIClient creates an NX-API client. A nil httpClient uses
// http.DefaultClient.
func NewNXAPIClient(cfg NXAPIConfig, httpClient *http.Client, logger *zap.Logger) *NXAPIClient {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
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
	return &NXAPIClient{cfg: cfg, http: httpClient, logger: logger}
}

type insAPIRequest struct {
	InsAPI struct {
		Version      string `json:"version"`
		Type         string `json:"type"`
		Chunk        string `json:"chunk"`
		SID          string `json:"sid"`
		Input        string `json:"input"`
		OutputFormat string `json:"output_format"`
	} `json:"ins_api"`
}

type insAPIResponse struct {
	InsAPI struct {
		Outputs struct {
			Output json.RawMessage `json:"output"`
		} `json:"outputs"`
	} `json:"ins_api"`
}

type insAPIOutput struct {
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Input string          `json:"input"`
	Body  json.RawMessage `json:"body"`
}

// NXAPIError is a command the switch rejected.
type NXAPIError struct {
	Command string
	Code    string
	Message string
}

func (e *NXAPIError) Error() string {
	return fmt.Sprintf("NX-API command %q failed: %s (%s)", e.Command, e.Message, e.Code)
}

// Show runs one exec-level command and returns its decoded body.
func (c *NXAPIClient) Show(ctx context.Context, command string) (json.RawMessage, error) {
	out, err := c.call(ctx, "cli_show", command)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// ShowRaw runs one exec-level command and returns its plain-text body.
func (c *NXAPIClient) ShowRaw(ctx context.Context, command string) (string, error) {
	out, err := c.call(ctx, "cli_show_ascii", command)
	if err != nil {
		return "", err
	}
	var text string
	if err := json.Unmarshal(out.Body, &text); err != nil {
		// Some commands return a JSON object even in ascii mode.
		return string(out.Body), nil
	}
	return text, nil
}

// Config runs one configuration command.
func (c *NXAPIClient) Config(ctx context.Context, command string) (json.RawMessage, error) {
	out, err := c.call(ctx, "cli_conf", command)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (c *NXAPIClient) call(ctx context.Context, apiType, command string) (*insAPIOutput, error) {
	var reqBody insAPIRequest
	reqBody.InsAPI.Version = "1.0"
	reqBody.InsAPI.Type = apiType
	reqBody.InsAPI.Chunk = "0"
	reqBody.InsAPI.SID = "1"
	reqBody.InsAPI.Input = command
	reqBody.InsAPI.OutputFormat = "json"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s://%s:%d/ins", c.cfg.Scheme, c.cfg.Host, c.cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NX-API request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NX-API returned status %d", resp.StatusCode)
	}

	var decoded insAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode NX-API response: %w", err)
	}

	var out insAPIOutput
	if err := json.Unmarshal(decoded.InsAPI.Outputs.Output, &out); err != nil {
		return nil, fmt.Errorf("failed to decode NX-API output: %w", err)
	}
	if out.Code != "200" {
		return nil, &NXAPIError{Command: command, Code: out.Code, Message: out.Msg}
	}
	return &out, nil
}
