// Package sandbox talks to the external sandbox-runner service that
// executes remediation code in isolation and probes service health. The
// runner owns the actual isolation; this client enforces the
// acquire/execute/release discipline around it.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

var tracer = otel.Tracer("remedyd.sandbox")

// Client is the HTTP client for the sandbox runner.
type Client struct {
	baseURL        string
	http           *http.Client
	executeTimeout time.Duration
	verifyTimeout  time.Duration
	logger         *logging.Logger
}

// NewClient creates the runner client from config.
func NewClient(cfg config.SandboxConfig, logger *logging.Logger) (*Client, error) {
	if cfg.RunnerURL == "" {
		return nil, &incident.ConfigurationError{Component: "sandbox", Reason: "runner_url is required"}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.RunnerURL, "/"),
		http:           &http.Client{},
		executeTimeout: cfg.ExecuteTimeout,
		verifyTimeout:  cfg.VerifyTimeout,
		logger:         logger,
	}, nil
}

// acquireResponse is the runner's reply to a sandbox acquisition.
type acquireResponse struct {
	ID string `json:"id"`
}

// execRequest is the body for running code in an acquired sandbox.
type execRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// execResponse mirrors incident.ExecutionResult on the wire.
type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// healthResponse is the runner's health probe reply for a service.
type healthResponse struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Execute acquires a sandbox, runs the remediation code in it, and always
// releases the sandbox before returning, success or failure.
func (c *Client) Execute(ctx context.Context, rem *incident.Remediation) (*incident.ExecutionResult, error) {
	ctx, span := tracer.Start(ctx, "sandbox.Execute")
	defer span.End()

	if rem == nil || rem.Code == "" {
		return nil, &incident.ValidationError{Field: "remediation", Reason: "code is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.executeTimeout)
	defer cancel()

	id, err := c.acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, incident.NewExternalServiceError("execution", err)
	}
	defer c.release(id)
	span.SetAttributes(attribute.String("sandbox_id", id))

	var resp execResponse
	err = c.postJSON(ctx, fmt.Sprintf("/v1/sandboxes/%s/exec", id), execRequest{
		Code:     rem.Code,
		Language: rem.Language,
	}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, incident.NewExternalServiceError("execution", err)
	}

	c.logger.Info(ctx, "remediation executed",
		zap.String("sandbox_id", id),
		zap.Int("exit_code", resp.ExitCode))
	return &incident.ExecutionResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}

// Healthy probes the service's health surface. Used for the pre-flight
// self-heal check before any code runs.
func (c *Client) Healthy(ctx context.Context, service string) (bool, error) {
	res, err := c.probe(ctx, service)
	if err != nil {
		return false, err
	}
	return res.Healthy, nil
}

// Verify probes the service's health surface after execution and returns
// the full verdict including the individual check results.
func (c *Client) Verify(ctx context.Context, service string) (*incident.VerificationResult, error) {
	res, err := c.probe(ctx, service)
	if err != nil {
		return nil, err
	}
	return &incident.VerificationResult{Success: res.Healthy, Summary: res.Checks}, nil
}

func (c *Client) probe(ctx context.Context, service string) (*healthResponse, error) {
	ctx, span := tracer.Start(ctx, "sandbox.probe")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))

	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/v1/health?service=%s", c.baseURL, url.QueryEscape(service))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, incident.NewExternalServiceError("verification", err)
	}

	httpRes, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, incident.NewExternalServiceError("verification", err)
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode != http.StatusOK {
		err := fmt.Errorf("health probe returned %d", httpRes.StatusCode)
		span.RecordError(err)
		return nil, incident.NewExternalServiceError("verification", err)
	}

	var res healthResponse
	if err := json.NewDecoder(httpRes.Body).Decode(&res); err != nil {
		return nil, incident.NewExternalServiceError("verification", fmt.Errorf("decoding health reply: %w", err))
	}
	return &res, nil
}

// acquire reserves one sandbox and returns its id.
func (c *Client) acquire(ctx context.Context) (string, error) {
	var resp acquireResponse
	if err := c.postJSON(ctx, "/v1/sandboxes", struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("runner returned empty sandbox id")
	}
	return resp.ID, nil
}

// release tears the sandbox down. Best effort: a failed release is logged,
// never propagated, and uses its own deadline so a cancelled execution
// context cannot leak the sandbox.
func (c *Client) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/v1/sandboxes/%s", c.baseURL, id), nil)
	if err != nil {
		c.logger.Warn(ctx, "building sandbox release request failed", zap.String("sandbox_id", id), zap.Error(err))
		return
	}
	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn(ctx, "sandbox release failed", zap.String("sandbox_id", id), zap.Error(err))
		return
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 300 {
		c.logger.Warn(ctx, "sandbox release rejected",
			zap.String("sandbox_id", id),
			zap.Int("status", res.StatusCode))
	}
}

// postJSON posts a JSON body and decodes a JSON reply, treating any
// non-2xx status as an error.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, res.StatusCode, strings.TrimSpace(string(payload)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
