package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mooring-dev/mooring/internal/conversation"
)

// CreateConversation inserts a new conversation record. The caller is
// responsible for having validated the request first.
func (s *Store) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	reqJSON, err := json.Marshal(conv.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations
			(id, created_by_user_id, status, sandbox_id, agent_server_url, request, parent_conversation_id, error_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID, conv.CreatedByUserID, conv.Status, conv.SandboxID, conv.AgentServerURL,
		reqJSON, conv.ParentConversationID, conv.ErrorReason, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `
	id, created_by_user_id, status, sandbox_id, agent_server_url,
	request, parent_conversation_id, error_reason, created_at, updated_at`

func scanConversation(row pgx.Row) (*conversation.Conversation, error) {
	var conv conversation.Conversation
	var reqJSON []byte
	err := row.Scan(
		&conv.ID, &conv.CreatedByUserID, &conv.Status, &conv.SandboxID, &conv.AgentServerURL,
		&reqJSON, &conv.ParentConversationID, &conv.ErrorReason, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reqJSON, &conv.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return &conv, nil
}

// GetConversation fetches a conversation by id, or conversation.ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListByParent returns all forks of the given conversation, oldest first.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*conversation.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE parent_conversation_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list by parent %s: %w", parentID, err)
	}
	defer rows.Close()

	var convs []*conversation.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// TransitionStatus compare-and-sets the status of a conversation. It returns
// false (and no error) when the conversation is not currently in the `from`
// status, which makes concurrent transition attempts race-safe across
// orchestrator instances: exactly one caller wins.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to conversation.Status, reason *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $3, error_reason = COALESCE($4, error_reason), updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, from, to, reason,
	)
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AttachSandbox records a successful allocation: sandbox_id and
// agent_server_url are set together and the conversation moves
// CREATING -> READY in one guarded update. Returns false when the
// conversation already left CREATING (a second allocation result, or a
// stop that won the race).
func (s *Store) AttachSandbox(ctx context.Context, id, sandboxID, agentServerURL string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $4, sandbox_id = $2, agent_server_url = $3, updated_at = now()
		WHERE id = $1 AND status = $5 AND sandbox_id IS NULL`,
		id, sandboxID, agentServerURL, conversation.StatusReady, conversation.StatusCreating,
	)
	if err != nil {
		return false, fmt.Errorf("attach sandbox to %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
