package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// PeerClient talks to other coordinator instances (parent and child runs).
// Every call here is issued from the trampoline drain, never inline from a
// command, so coordinator call chains cannot grow the stack.
type PeerClient struct {
	baseURL string
	http    *http.Client
	logger  Logger
}

// NewPeerClient creates a peer coordinator client
func NewPeerClient(baseURL string, timeout time.Duration, logger Logger) *PeerClient {
	return &PeerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type startSubworkflowRequest struct {
	RunID         string         `json:"run_id"`
	ParentRunID   string         `json:"parent_run_id"`
	ParentTokenID string         `json:"parent_token_id"`
	DefID         string         `json:"def_id"`
	Version       string         `json:"version,omitempty"`
	Input         map[string]any `json:"input"`
	OnFailure     string         `json:"on_failure,omitempty"`
}

// StartSubworkflow starts a child run on a peer coordinator
func (c *PeerClient) StartSubworkflow(ctx context.Context, childRunID, parentRunID, parentTokenID, defID, version string, input map[string]any, onFailure string) error {
	req := startSubworkflowRequest{
		RunID:         childRunID,
		ParentRunID:   parentRunID,
		ParentTokenID: parentTokenID,
		DefID:         defID,
		Version:       version,
		Input:         input,
		OnFailure:     onFailure,
	}
	if err := postJSON(ctx, c.http, c.baseURL+"/v1/runs/"+childRunID+"/start", req); err != nil {
		return fmt.Errorf("start subworkflow %s: %w", childRunID, err)
	}
	c.logger.Debug("subworkflow started", "child_run_id", childRunID, "def_id", defID)
	return nil
}

type subworkflowOutcomeRequest struct {
	ChildRunID string               `json:"child_run_id"`
	TokenID    string               `json:"token_id"`
	Output     map[string]any       `json:"output,omitempty"`
	Error      *model.WorkflowError `json:"error,omitempty"`
}

// SubworkflowResult reports a child run's success to its parent
func (c *PeerClient) SubworkflowResult(ctx context.Context, parentRunID, parentTokenID, childRunID string, output map[string]any) error {
	req := subworkflowOutcomeRequest{ChildRunID: childRunID, TokenID: parentTokenID, Output: output}
	if err := postJSON(ctx, c.http, c.baseURL+"/v1/runs/"+parentRunID+"/subworkflow-result", req); err != nil {
		return fmt.Errorf("report subworkflow result to %s: %w", parentRunID, err)
	}
	return nil
}

// SubworkflowError reports a child run's failure to its parent
func (c *PeerClient) SubworkflowError(ctx context.Context, parentRunID, parentTokenID, childRunID string, werr *model.WorkflowError) error {
	req := subworkflowOutcomeRequest{ChildRunID: childRunID, TokenID: parentTokenID, Error: werr}
	if err := postJSON(ctx, c.http, c.baseURL+"/v1/runs/"+parentRunID+"/subworkflow-error", req); err != nil {
		return fmt.Errorf("report subworkflow error to %s: %w", parentRunID, err)
	}
	return nil
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRun cancels a run on a peer coordinator
func (c *PeerClient) CancelRun(ctx context.Context, runID, reason string) error {
	if err := postJSON(ctx, c.http, c.baseURL+"/v1/runs/"+runID+"/cancel", cancelRequest{Reason: reason}); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return nil
}
