// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pdiddy/hypothesis-engine/internal/httputil"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// HTTPInvoker calls an agent service over HTTP. Each invocation POSTs the
// input bundle to {endpoint}/invoke/{agentType} and decodes the structured
// result. Rate-limited calls retry with exponential backoff.
type HTTPInvoker struct {
	cfg    types.AgentConfig
	client *http.Client
}

// NewHTTPInvoker creates an invoker against cfg.Endpoint.
func NewHTTPInvoker(cfg types.AgentConfig) *HTTPInvoker {
	return &HTTPInvoker{cfg: cfg, client: &http.Client{}}
}

// Invoke implements Invoker.
func (i *HTTPInvoker) Invoke(ctx context.Context, input Input) (*Output, error) {
	input.Model = i.cfg.Model

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation input: %w", err)
	}

	endpoint, err := url.JoinPath(i.cfg.Endpoint, "invoke", string(input.AgentType))
	if err != nil {
		return nil, fmt.Errorf("building invocation URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	}

	resp, err := httputil.DoWithRetry(ctx, i.client, req, i.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvocation, input.AgentType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s returned %d: %s",
			ErrInvocation, input.AgentType, resp.StatusCode, snippet)
	}

	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %v", ErrInvocation, input.AgentType, err)
	}
	return &out, nil
}
