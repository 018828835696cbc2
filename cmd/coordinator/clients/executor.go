// Package clients holds the coordinator's outbound HTTP clients: the
// executor service and peer coordinators.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// ExecutorClient dispatches tasks to the executor service. The token id is
// the idempotency key; the executor dedupes repeated dispatches.
type ExecutorClient struct {
	baseURL string
	http    *http.Client
	logger  Logger
}

// NewExecutorClient creates an executor client
func NewExecutorClient(baseURL string, timeout time.Duration, logger Logger) *ExecutorClient {
	return &ExecutorClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type executeTaskRequest struct {
	WorkflowRunID  string         `json:"workflow_run_id"`
	TokenID        string         `json:"token_id"`
	NodeID         string         `json:"node_id"`
	ActionRef      string         `json:"action_ref"`
	Input          map[string]any `json:"input"`
	TimeoutMS      int            `json:"timeout_ms,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ExecuteTask asks the executor to run one task. The outcome arrives later
// as a taskResult or taskError command; this call only acknowledges receipt.
func (c *ExecutorClient) ExecuteTask(ctx context.Context, runID, tokenID, nodeID, actionRef string, input map[string]any, timeoutMS int) error {
	req := executeTaskRequest{
		WorkflowRunID:  runID,
		TokenID:        tokenID,
		NodeID:         nodeID,
		ActionRef:      actionRef,
		Input:          input,
		TimeoutMS:      timeoutMS,
		IdempotencyKey: tokenID,
	}
	if err := postJSON(ctx, c.http, c.baseURL+"/v1/tasks/execute", req); err != nil {
		return fmt.Errorf("execute task for token %s: %w", tokenID, err)
	}
	c.logger.Debug("task dispatched", "token_id", tokenID, "node_id", nodeID, "action_ref", actionRef)
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(snippet))
	}
	return nil
}
