//go:build integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/mooring-dev/mooring/internal/conversation"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func testConversation() *conversation.Conversation {
	msg := &conversation.Message{Role: "user", Content: []map[string]any{{"type": "text", "text": "hi"}}}
	return &conversation.Conversation{
		ID:     "conv-" + uuid.New().String(),
		Status: conversation.StatusCreating,
		Request: conversation.CreateRequest{
			AgentType:      "codeact",
			InitialMessage: msg,
		},
	}
}

func TestIntegration_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation()
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != conversation.StatusCreating {
		t.Errorf("status = %s, want CREATING", got.Status)
	}
	if got.SandboxID != nil || got.AgentServerURL != nil {
		t.Error("fresh conversation must have nil sandbox fields")
	}
	if got.Request.AgentType != "codeact" {
		t.Errorf("request round-trip lost agent_type: %q", got.Request.AgentType)
	}

	if _, err := s.GetConversation(ctx, "conv-missing"); err != conversation.ErrNotFound {
		t.Errorf("missing id: got %v, want ErrNotFound", err)
	}
}

func TestIntegration_TransitionStatusCAS(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation()
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	reason := "quota exceeded"
	ok, err := s.TransitionStatus(ctx, conv.ID, conversation.StatusCreating, conversation.StatusError, &reason)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}

	// Guard no longer matches: stale transitions lose.
	ok, err = s.TransitionStatus(ctx, conv.ID, conversation.StatusCreating, conversation.StatusReady, nil)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Error("transition from a stale status must not win")
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.Status != conversation.StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}
	if got.ErrorReason == nil || *got.ErrorReason != "quota exceeded" {
		t.Errorf("error_reason = %v", got.ErrorReason)
	}
}

func TestIntegration_AttachSandbox(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation()
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	ok, err := s.AttachSandbox(ctx, conv.ID, "sbx-1", "ws://sbx-1:9000/channel")
	if err != nil || !ok {
		t.Fatalf("AttachSandbox: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.Status != conversation.StatusReady {
		t.Errorf("status = %s, want READY", got.Status)
	}
	if (got.SandboxID == nil) != (got.AgentServerURL == nil) {
		t.Error("sandbox_id and agent_server_url must be set together")
	}

	// Second attach is a no-op.
	ok, err = s.AttachSandbox(ctx, conv.ID, "sbx-2", "ws://sbx-2:9000/channel")
	if err != nil {
		t.Fatalf("second AttachSandbox: %v", err)
	}
	if ok {
		t.Error("second attach must not win")
	}
	got, _ = s.GetConversation(ctx, conv.ID)
	if *got.SandboxID != "sbx-1" {
		t.Errorf("sandbox_id = %s, want sbx-1", *got.SandboxID)
	}
}

func TestIntegration_ListByParent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	parent := testConversation()
	if err := s.CreateConversation(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	for i := 0; i < 2; i++ {
		fork := testConversation()
		fork.ParentConversationID = &parent.ID
		if err := s.CreateConversation(ctx, fork); err != nil {
			t.Fatalf("create fork %d: %v", i, err)
		}
	}

	forks, err := s.ListByParent(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListByParent: %v", err)
	}
	if len(forks) != 2 {
		t.Errorf("got %d forks, want 2", len(forks))
	}
	for _, fork := range forks {
		if fork.ParentConversationID == nil || *fork.ParentConversationID != parent.ID {
			t.Error("fork lineage wrong")
		}
	}
}
