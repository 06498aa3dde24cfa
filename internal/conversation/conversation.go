package conversation

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a conversation. Transitions move forward
// only; STOPPED and ERROR are terminal.
type Status string

const (
	StatusCreating Status = "CREATING"
	StatusReady    Status = "READY"
	StatusStopped  Status = "STOPPED"
	StatusError    Status = "ERROR"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// CanTransition reports whether the state machine allows moving from s to to.
// Allowed: CREATING→READY, CREATING→STOPPED, CREATING→ERROR, READY→STOPPED,
// READY→ERROR.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusCreating:
		return to == StatusReady || to == StatusStopped || to == StatusError
	case StatusReady:
		return to == StatusStopped || to == StatusError
	default:
		return false
	}
}

// ErrNotFound is returned when an operation references a conversation id
// that does not exist in the store.
var ErrNotFound = errors.New("conversation not found")

// ValidationError describes a malformed or inconsistent create request.
// Validation failures are synchronous; no record is persisted for them.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// Message is the initial user message attached to a create request. Content
// entries are opaque to the orchestrator; they are passed through to the
// agent untouched.
type Message struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

// SuggestedTask is an externally sourced task the conversation should work
// on, used in place of an initial message.
type SuggestedTask struct {
	GitProvider string `json:"git_provider"`
	IssueNumber int    `json:"issue_number"`
	Repo        string `json:"repo"`
	Title       string `json:"title"`
	TaskType    string `json:"task_type"`
}

// CreateRequest is the immutable originating payload of a conversation.
type CreateRequest struct {
	SelectedRepository       *string        `json:"selected_repository"`
	SelectedBranch           *string        `json:"selected_branch"`
	GitProvider              *string        `json:"git_provider"`
	InitialMessage           *Message       `json:"initial_message"`
	ConversationInstructions *string        `json:"conversation_instructions"`
	SuggestedTask            *SuggestedTask `json:"suggested_task"`
	AgentType                string         `json:"agent_type"`
	Trigger                  *string        `json:"trigger"`
	PRNumbers                []int          `json:"pr_number"`
	ParentConversationID     *string        `json:"parent_conversation_id"`
	Processors               []string       `json:"processors"`
}

// Validate checks the request for internal consistency. It returns a
// *ValidationError describing the first problem found.
func (r *CreateRequest) Validate() error {
	if r.InitialMessage == nil && r.SuggestedTask == nil {
		return &ValidationError{
			Field:  "initial_message",
			Reason: "either initial_message or suggested_task must be provided",
		}
	}
	if r.InitialMessage != nil && r.InitialMessage.Role != "user" {
		return &ValidationError{
			Field:  "initial_message.role",
			Reason: fmt.Sprintf("must be %q, got %q", "user", r.InitialMessage.Role),
		}
	}
	if r.SelectedBranch != nil && r.SelectedRepository == nil {
		return &ValidationError{
			Field:  "selected_branch",
			Reason: "a branch requires a repository",
		}
	}
	if r.AgentType == "" {
		return &ValidationError{
			Field:  "agent_type",
			Reason: "agent_type is required",
		}
	}
	return nil
}

// Conversation is the durable record of an agent session. Only the
// orchestration-owned fields (Status, SandboxID, AgentServerURL,
// ErrorReason, UpdatedAt) mutate after creation; Request is immutable.
type Conversation struct {
	ID                   string        `json:"conversation_id"`
	CreatedByUserID      *string       `json:"created_by_user_id"`
	Status               Status        `json:"status"`
	SandboxID            *string       `json:"sandbox_id"`
	AgentServerURL       *string       `json:"agent_server_url"`
	Request              CreateRequest `json:"request"`
	ParentConversationID *string       `json:"parent_conversation_id"`
	ErrorReason          *string       `json:"error_reason,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}
