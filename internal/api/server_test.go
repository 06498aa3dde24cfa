package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mooring-dev/mooring/internal/bridge"
	"github.com/mooring-dev/mooring/internal/conversation"
)

// fakeOrchestrator serves canned conversations for handler tests.
type fakeOrchestrator struct {
	mu    sync.Mutex
	convs map[string]*conversation.Conversation
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{convs: make(map[string]*conversation.Conversation)}
}

func (f *fakeOrchestrator) CreateConversation(_ context.Context, req conversation.CreateRequest, userID *string) (*conversation.Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ParentConversationID != nil {
		f.mu.Lock()
		_, ok := f.convs[*req.ParentConversationID]
		f.mu.Unlock()
		if !ok {
			return nil, conversation.ErrNotFound
		}
	}
	conv := &conversation.Conversation{
		ID:              "conv-test",
		CreatedByUserID: userID,
		Status:          conversation.StatusCreating,
		Request:         req,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	f.mu.Lock()
	f.convs[conv.ID] = conv
	f.mu.Unlock()
	return conv, nil
}

func (f *fakeOrchestrator) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return conv, nil
}

func (f *fakeOrchestrator) ListByParent(_ context.Context, parentID string) ([]*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*conversation.Conversation
	for _, conv := range f.convs {
		if conv.ParentConversationID != nil && *conv.ParentConversationID == parentID {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (f *fakeOrchestrator) StopConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	if !conv.Status.Terminal() {
		conv.Status = conversation.StatusStopped
	}
	return conv, nil
}

func (f *fakeOrchestrator) MarkUnreachable(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return conversation.ErrNotFound
	}
	if conv.Status == conversation.StatusReady {
		conv.Status = conversation.StatusError
		conv.ErrorReason = &reason
	}
	return nil
}

func (f *fakeOrchestrator) RegisterBridge(string, *bridge.Bridge) {}
func (f *fakeOrchestrator) ReleaseBridge(string, *bridge.Bridge)  {}

func (f *fakeOrchestrator) addReady(id, agentURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sandboxID := "sbx-" + id
	f.convs[id] = &conversation.Conversation{
		ID:             id,
		Status:         conversation.StatusReady,
		SandboxID:      &sandboxID,
		AgentServerURL: &agentURL,
	}
}

func testServer(t *testing.T, token string) (*Server, *fakeOrchestrator) {
	t.Helper()
	orch := newFakeOrchestrator()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(8810, token, orch, logger), orch
}

func createBody() string {
	return `{
		"agent_type": "codeact",
		"initial_message": {"role": "user", "content": [{"type": "text", "text": "hello"}]}
	}`
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestCreateConversation_Created(t *testing.T) {
	srv, _ := testServer(t, "")

	req := httptest.NewRequest("POST", "/api/v1/conversations", strings.NewReader(createBody()))
	req.Header.Set("X-User-ID", "user-9")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var conv conversation.Conversation
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if conv.Status != conversation.StatusCreating {
		t.Errorf("status = %s, want CREATING", conv.Status)
	}
	if conv.CreatedByUserID == nil || *conv.CreatedByUserID != "user-9" {
		t.Error("user id header not threaded through")
	}
}

func TestCreateConversation_ValidationError(t *testing.T) {
	srv, _ := testServer(t, "")

	req := httptest.NewRequest("POST", "/api/v1/conversations",
		strings.NewReader(`{"agent_type": "codeact"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreateConversation_MissingParent(t *testing.T) {
	srv, _ := testServer(t, "")

	body := `{
		"agent_type": "codeact",
		"initial_message": {"role": "user", "content": []},
		"parent_conversation_id": "conv-A"
	}`
	req := httptest.NewRequest("POST", "/api/v1/conversations", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing parent, got %d", w.Code)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	srv, _ := testServer(t, "")

	req := httptest.NewRequest("GET", "/api/v1/conversations/conv-nope", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStopConversation(t *testing.T) {
	srv, orch := testServer(t, "")
	orch.addReady("conv-1", "ws://agent:9000")

	req := httptest.NewRequest("POST", "/api/v1/conversations/conv-1/stop", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var conv conversation.Conversation
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.Status != conversation.StatusStopped {
		t.Errorf("status = %s, want STOPPED", conv.Status)
	}
}

func TestListConversations_RequiresParentID(t *testing.T) {
	srv, _ := testServer(t, "")

	req := httptest.NewRequest("GET", "/api/v1/conversations", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without parent_id, got %d", w.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	srv, _ := testServer(t, "sekrit")

	req := httptest.NewRequest("POST", "/api/v1/conversations", strings.NewReader(createBody()))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/conversations", strings.NewReader(createBody()))
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201 with token, got %d: %s", w.Code, w.Body.String())
	}

	// Health stays open.
	req = httptest.NewRequest("GET", "/health", nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health must not require auth, got %d", w.Code)
	}
}

func TestOpenChannel_NotReady(t *testing.T) {
	srv, orch := testServer(t, "")
	orch.convs["conv-1"] = &conversation.Conversation{
		ID:     "conv-1",
		Status: conversation.StatusCreating,
	}

	req := httptest.NewRequest("GET", "/api/v1/conversations/conv-1/channel", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a non-ready conversation, got %d", w.Code)
	}
}
