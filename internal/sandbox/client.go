package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mooring-dev/mooring/internal/conversation"
)

// Allocation is the result of a successful sandbox provision.
type Allocation struct {
	SandboxID      string `json:"sandbox_id"`
	AgentServerURL string `json:"agent_server_url"`
}

// AllocationError is returned when the provider could not provision a
// sandbox. The reason is surfaced to clients through the conversation's
// error_reason field.
type AllocationError struct {
	Reason string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed: %s", e.Reason)
}

// Client talks to the sandbox compute provider. Allocation can take
// seconds; callers dispatch it off the request path and cancel via ctx.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type allocateRequest struct {
	ConversationID string                     `json:"conversation_id"`
	Request        conversation.CreateRequest `json:"request"`
}

type errorResponse struct {
	Error struct {
		Reason string `json:"reason"`
	} `json:"error"`
}

// Allocate asks the provider for an isolated execution environment for the
// given conversation. A non-2xx response with a structured body becomes an
// *AllocationError; transport failures are returned as-is.
func (c *Client) Allocate(ctx context.Context, conversationID string, req conversation.CreateRequest) (*Allocation, error) {
	body, err := json.Marshal(allocateRequest{ConversationID: conversationID, Request: req})
	if err != nil {
		return nil, fmt.Errorf("marshal allocate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sandboxes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("allocate call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Reason != "" {
			return nil, &AllocationError{Reason: errResp.Error.Reason}
		}
		return nil, &AllocationError{Reason: fmt.Sprintf("provider returned status %d", resp.StatusCode)}
	}

	var alloc Allocation
	if err := json.Unmarshal(respBody, &alloc); err != nil {
		return nil, fmt.Errorf("parse allocation: %w", err)
	}
	if alloc.SandboxID == "" || alloc.AgentServerURL == "" {
		return nil, &AllocationError{Reason: "provider returned incomplete allocation"}
	}
	return &alloc, nil
}
