package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxErrorBody = 4096

// HTTPError is a non-2xx answer from the sandbox service itself.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sandbox service returned HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPRunner calls a remote sandbox service over JSON/HTTP.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPRunner(baseURL string, client *http.Client, logger *slog.Logger) *HTTPRunner {
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With("module", "sandbox_http"),
	}
}

type runPayload struct {
	Request

	TimeoutMillis int64 `json:"timeout_ms,omitempty"`
}

func (r *HTTPRunner) Run(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(runPayload{Request: req, TimeoutMillis: req.Timeout.Milliseconds()})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode sandbox request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/run", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create sandbox request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return Result{}, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(message))}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("failed to decode sandbox response: %w", err)
	}

	r.logger.DebugContext(ctx, "sandbox run finished",
		"entrypoint", req.Entrypoint,
		"action", req.Action,
		"exit_status", result.ExitStatus)

	return checkExit(result)
}
