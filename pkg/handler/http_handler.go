package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// HTTPHandler dispatches a task by issuing a single HTTP request, using the
// standard library client — transport is exactly what net/http is for, and
// no pack repo reaches for a heavier client.
type HTTPHandler struct {
	Client *http.Client
}

// NewHTTPHandler returns an HTTPHandler with a sane default client.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{Client: http.DefaultClient}
}

func (h *HTTPHandler) Execute(ctx context.Context, task model.Task, params map[string]any) Result {
	url, _ := params["url"].(string)
	if url == "" {
		return Permanent(fmt.Errorf("http handler: missing params.url"))
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	body, _ := params["body"].(string)

	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("http handler: build request: %w", err))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("http handler: request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(fmt.Errorf("http handler: read body: %w", err))
	}

	if resp.StatusCode >= 500 {
		return Transient(fmt.Errorf("http handler: server error %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return Permanent(fmt.Errorf("http handler: client error %d", resp.StatusCode))
	}

	return Ok(string(data))
}

func (h *HTTPHandler) Compensate(ctx context.Context, task model.Task, params map[string]any) Result {
	url, _ := params["compensation_url"].(string)
	if url == "" {
		return Ok(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Result{Kind: KindPermanent, Err: err}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Kind: KindPermanent, Err: err}
	}
	defer resp.Body.Close()
	return Ok(nil)
}
